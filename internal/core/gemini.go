package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/omnilab/omni-backend/internal/store"
)

// GeminiLLM serves completions from Google's Gemini API.
type GeminiLLM struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func NewGeminiLLM(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiLLM, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiLLM{client: client, model: model, logger: logger}, nil
}

func (s *GeminiLLM) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing GenAI client: %w", err)
	}
	s.logger.Info("GenAI client closed")
	return nil
}

func (s *GeminiLLM) Complete(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	systemText, history, last, err := toGeminiContents(messages)
	if err != nil {
		return "", err
	}

	model := s.client.GenerativeModel(s.model)
	if systemText != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemText)},
		}
	}

	temp := float32(defaultTemperature)
	tokens := int32(maxTokens)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &tokens,
		Temperature:     &temp,
	}

	ctx, cancel := context.WithTimeout(ctx, InferenceTimeout)
	defer cancel()

	chatSession := model.StartChat()
	chatSession.History = history

	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		ierr := &InferenceError{Detail: err.Error(), Err: err}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			ierr.StatusCode = apiErr.Code
			ierr.Detail = apiErr.Message
		}
		s.logger.Error("Gemini SendMessage failed", zap.Int("status", ierr.StatusCode), zap.Error(err))
		return "", ierr
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &InferenceError{Detail: "gemini returned no candidates"}
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.logger.Debug("Skipping non-text Gemini part", zap.String("type", fmt.Sprintf("%T", part)))
		}
	}
	if responseText.Len() == 0 {
		return "", &InferenceError{Detail: "gemini returned no text"}
	}
	return responseText.String(), nil
}

// toGeminiContents splits a message list into a system instruction, the chat
// history and the final user turn that is sent. Gemini has no system role, so
// system messages are merged into the instruction in order.
func toGeminiContents(messages []Message) (string, []*genai.Content, *genai.Content, error) {
	if len(messages) == 0 {
		return "", nil, nil, fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != store.RoleUser {
		return "", nil, nil, fmt.Errorf("%w: last message must come from the user, got %q", ErrInvalidRequest, lastMsg.Role)
	}

	var system []string
	var history []*genai.Content
	for _, m := range messages[:len(messages)-1] {
		switch m.Role {
		case store.RoleSystem:
			system = append(system, m.Content)
		case store.RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}

	last := &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(lastMsg.Content)}}
	return strings.Join(system, "\n\n"), history, last, nil
}
