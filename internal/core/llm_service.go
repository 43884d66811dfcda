package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/omnilab/omni-backend/internal/store"
)

const (
	// InferenceTimeout bounds a single completion call end to end.
	InferenceTimeout = 300 * time.Second

	defaultTemperature = 0.7
)

// Message is one entry of a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLM turns an ordered message list into generated text.
type LLM interface {
	Complete(ctx context.Context, messages []Message, maxTokens int) (string, error)
}

// OpenAICompatLLM talks to any OpenAI-style /v1/chat/completions endpoint,
// such as a vLLM server.
type OpenAICompatLLM struct {
	llm    llms.Model
	model  string
	logger *zap.Logger
}

func NewOpenAICompatLLM(baseURL, apiKey, model string, logger *zap.Logger) (*OpenAICompatLLM, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doer := &statusCheckingDoer{client: &http.Client{Timeout: InferenceTimeout}}

	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(strings.TrimRight(baseURL, "/")+"/v1"),
		openai.WithModel(model),
		openai.WithHTTPClient(doer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client: %w", err)
	}

	return &OpenAICompatLLM{llm: llm, model: model, logger: logger}, nil
}

func (s *OpenAICompatLLM) Complete(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}

	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}

	var upstream *upstreamStatusError
	ctx = context.WithValue(ctx, upstreamStatusKey{}, &upstream)

	start := time.Now()
	resp, err := s.llm.GenerateContent(ctx, content,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(defaultTemperature),
	)
	if err != nil {
		ierr := newInferenceError(err, upstream)
		s.logger.Error("Inference call failed",
			zap.String("model", s.model),
			zap.Int("status", ierr.StatusCode),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", ierr
	}
	if len(resp.Choices) == 0 {
		return "", &InferenceError{Detail: "inference backend returned no choices"}
	}

	s.logger.Debug("Inference call completed",
		zap.String("model", s.model),
		zap.Int("messages", len(messages)),
		zap.Duration("elapsed", time.Since(start)))
	return resp.Choices[0].Content, nil
}

func chatMessageType(role string) schema.ChatMessageType {
	switch role {
	case store.RoleSystem:
		return schema.ChatMessageTypeSystem
	case store.RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

// upstreamStatusError carries a non-2xx status from the inference backend
// through the client library unchanged.
type upstreamStatusError struct {
	Code int
	Body string
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// upstreamStatusKey holds a **upstreamStatusError in the request context. The
// doer fills it in so the status is known however the client wraps errors.
type upstreamStatusKey struct{}

// statusCheckingDoer turns non-2xx responses into upstreamStatusError so the
// status code survives to the caller.
type statusCheckingDoer struct {
	client *http.Client
}

func (d *statusCheckingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		statusErr := &upstreamStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if slot, ok := req.Context().Value(upstreamStatusKey{}).(**upstreamStatusError); ok {
			*slot = statusErr
		}
		return nil, statusErr
	}
	return resp, nil
}

func newInferenceError(err error, upstream *upstreamStatusError) *InferenceError {
	statusErr := upstream
	if errors.As(err, &statusErr) || statusErr != nil {
		detail := statusErr.Body
		if detail == "" {
			detail = http.StatusText(statusErr.Code)
		}
		return &InferenceError{StatusCode: statusErr.Code, Detail: detail, Err: err}
	}
	return &InferenceError{Detail: err.Error(), Err: err}
}
