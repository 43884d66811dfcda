package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "https://api.search.brave.com/res/v1/web/search"
	DefaultTimeout  = 10 * time.Second
)

// ErrNoCredential is returned when no subscription token is configured.
var ErrNoCredential = errors.New("search credential not configured")

// Result is one normalized web result.
type Result struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// StatusError reports a non-200 answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search provider returned status %d: %s", e.Code, e.Body)
}

type braveResponse struct {
	Web struct {
		Results []Result `json:"results"`
	} `json:"web"`
}

// BraveClient queries the Brave web search API.
type BraveClient struct {
	apiKey   string
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

type Option func(*BraveClient)

// WithEndpoint overrides the search URL.
func WithEndpoint(endpoint string) Option {
	return func(c *BraveClient) { c.endpoint = endpoint }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *BraveClient) { c.client = client }
}

func NewBraveClient(apiKey string, logger *zap.Logger, opts ...Option) *BraveClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &BraveClient{
		apiKey:   apiKey,
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a credential is present.
func (c *BraveClient) Configured() bool {
	return c.apiKey != ""
}

// Search returns at most count results in provider order. An empty slice with
// a nil error means the provider found nothing; any failure is returned as an
// error so callers can tell the two apart.
func (c *BraveClient) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if !c.Configured() {
		return nil, ErrNoCredential
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var data braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := data.Web.Results
	if len(results) > count {
		results = results[:count]
	}
	if results == nil {
		results = []Result{}
	}

	c.logger.Debug("Search completed", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}
