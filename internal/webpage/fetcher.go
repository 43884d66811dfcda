package webpage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/omnilab/omni-backend/internal/utils"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 2 << 20
	userAgent      = "Mozilla/5.0 (compatible; omni-backend/1.0)"
)

// skippedElements are dropped together with everything inside them.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"nav":      true,
	"footer":   true,
	"noscript": true,
	"template": true,
}

// StatusError reports a non-200 response from the target site.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

type Fetcher struct {
	client *http.Client
	logger *zap.Logger
}

func NewFetcher(client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch downloads rawURL and returns its readable text, cut to maxChars
// characters. Every failure is returned as an error; callers decide whether
// an empty page is acceptable.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")

	// Decode the declared (or sniffed) charset so the text is always UTF-8.
	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var text string
	if strings.HasPrefix(contentType, "text/plain") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("failed to read response: %w", err)
		}
		text = strings.TrimSpace(string(raw))
	} else {
		text, err = ExtractText(body)
		if err != nil {
			return "", fmt.Errorf("failed to parse html: %w", err)
		}
	}

	text = utils.TruncateChars(text, maxChars)
	f.logger.Debug("Fetched page", zap.String("url", rawURL), zap.Int("chars", len([]rune(text))))
	return text, nil
}

// ExtractText parses an HTML document and returns its visible text, one
// trimmed text node per line, without the content of skippedElements.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skippedElements[n.Data] {
				return
			}
		case html.TextNode:
			if line := strings.TrimSpace(n.Data); line != "" {
				lines = append(lines, line)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.Join(lines, "\n"), nil
}
