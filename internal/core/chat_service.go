package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omnilab/omni-backend/internal/config"
	"github.com/omnilab/omni-backend/internal/search"
	"github.com/omnilab/omni-backend/internal/store"
	"github.com/omnilab/omni-backend/internal/utils"
)

const (
	DefaultSessionID = "default"
	DefaultMaxTokens = 1000

	historyWindow     = 10
	contextWindow     = 5
	searchResultCount = 5

	browseMaxChars  = 5000
	browseMaxTokens = 1000
)

// triggerPhrases enable live search when found in the lowercased message.
var triggerPhrases = []string{"latest", "current", "recent", "news", "what is", "who is"}

// ConversationStore is the part of the persistence layer the chat flow uses.
type ConversationStore interface {
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error)
	RecentContext(ctx context.Context, limit int) ([]store.ContextEntry, error)
	AppendTurns(ctx context.Context, turns ...*store.Turn) error
}

type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]search.Result, error)
}

type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (string, error)
}

type ChatRequest struct {
	SessionID    string
	Message      string
	EnableSearch bool
	MaxTokens    int
}

type ChatResult struct {
	Response   string   `json:"response"`
	SessionID  string   `json:"session_id"`
	SearchUsed bool     `json:"search_used"`
	Sources    []string `json:"sources"`
}

type BrowseResult struct {
	URL      string `json:"url"`
	Response string `json:"response"`
}

type turnMetadata struct {
	SearchUsed bool `json:"search_used"`
}

// ChatService assembles prompts, calls the model and records the exchange.
type ChatService struct {
	cfg      *config.Config
	dbStore  ConversationStore
	searcher Searcher
	fetcher  PageFetcher
	llm      LLM
	logger   *zap.Logger
}

func NewChatService(cfg *config.Config, db ConversationStore, searcher Searcher, fetcher PageFetcher, llm LLM, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		cfg:      cfg,
		dbStore:  db,
		searcher: searcher,
		fetcher:  fetcher,
		llm:      llm,
		logger:   logger,
	}
}

// HandleChat answers one user message. Both turns are persisted only after
// the model has answered; a failed inference call leaves the store untouched.
func (s *ChatService) HandleChat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if req.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max_tokens must be positive", ErrInvalidRequest)
	}
	if req.SessionID == "" {
		req.SessionID = DefaultSessionID
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	start := time.Now()
	logger := s.logger.With(zap.String("session_id", req.SessionID))

	history, err := s.dbStore.RecentTurns(ctx, req.SessionID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	contextItems, err := s.dbStore.RecentContext(ctx, contextWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	var messages []Message
	if len(contextItems) > 0 {
		messages = append(messages, Message{Role: store.RoleSystem, Content: formatContext(contextItems)})
	}
	for _, turn := range history {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}

	var results []search.Result
	if s.shouldSearch(req.EnableSearch, req.Message) {
		results = s.runSearch(ctx, logger, req.Message)
		if len(results) > 0 {
			messages = append(messages, Message{Role: store.RoleSystem, Content: formatSearchResults(results)})
		}
	}

	messages = append(messages, Message{Role: store.RoleUser, Content: req.Message})

	response, err := s.llm.Complete(ctx, messages, req.MaxTokens)
	if err != nil {
		return nil, err
	}

	searchUsed := len(results) > 0
	metadata, err := json.Marshal(turnMetadata{SearchUsed: searchUsed})
	if err != nil {
		return nil, fmt.Errorf("failed to encode turn metadata: %w", err)
	}

	userTurn := &store.Turn{
		SessionID: req.SessionID,
		Role:      store.RoleUser,
		Content:   req.Message,
		Metadata:  metadata,
	}
	assistantTurn := &store.Turn{
		SessionID: req.SessionID,
		Role:      store.RoleAssistant,
		Content:   response,
	}
	// The answer exists now; a client disconnect must not drop the exchange.
	if err := s.dbStore.AppendTurns(context.WithoutCancel(ctx), userTurn, assistantTurn); err != nil {
		return nil, fmt.Errorf("failed to store conversation: %w", err)
	}

	sources := make([]string, 0, len(results))
	for _, r := range results {
		sources = append(sources, r.URL)
	}

	logger.Info("Chat completed",
		zap.Int("history_turns", len(history)),
		zap.Int("context_items", len(contextItems)),
		zap.Bool("search_used", searchUsed),
		zap.String("message", utils.Preview(req.Message, 80)),
		zap.Duration("elapsed", time.Since(start)))

	return &ChatResult{
		Response:   response,
		SessionID:  req.SessionID,
		SearchUsed: searchUsed,
		Sources:    sources,
	}, nil
}

// shouldSearch applies the trigger policy: the request and the deployment
// must both allow search, a credential must exist, and the message must
// contain a trigger phrase.
func (s *ChatService) shouldSearch(requested bool, message string) bool {
	if !requested || !s.cfg.SearchConfigured() || s.searcher == nil {
		return false
	}
	return containsTriggerPhrase(message)
}

func containsTriggerPhrase(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range triggerPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// runSearch never fails the chat: provider errors are logged and treated as
// an empty result set.
func (s *ChatService) runSearch(ctx context.Context, logger *zap.Logger, query string) []search.Result {
	results, err := s.searcher.Search(ctx, query, searchResultCount)
	if err != nil {
		logger.Warn("Search failed, continuing without results", zap.Error(err))
		return nil
	}
	if len(results) == 0 {
		logger.Debug("Search returned no results")
	}
	return results
}

func formatContext(items []store.ContextEntry) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("- %s: %s", item.Key, item.Value))
	}
	return "Relevant context:\n" + strings.Join(lines, "\n")
}

func formatSearchResults(results []search.Result) string {
	var b strings.Builder
	b.WriteString("Search Results:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.Description, r.URL)
	}
	return b.String()
}

// HandleBrowse summarizes a web page, or answers question about it when one
// is given. Nothing is persisted.
func (s *ChatService) HandleBrowse(ctx context.Context, url, question string) (*BrowseResult, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}

	content, err := s.fetcher.Fetch(ctx, url, browseMaxChars)
	if err != nil {
		s.logger.Warn("Page fetch failed", zap.String("url", url), zap.Error(err))
		return nil, &FetchError{URL: url, Err: err}
	}
	if content == "" {
		return nil, &FetchError{URL: url, Err: errEmptyPage}
	}

	prompt := "Based on this webpage content:\n\n" + content + "\n\n"
	if question != "" {
		prompt += "Question: " + question
	} else {
		prompt += "Provide a concise summary of the main points."
	}

	response, err := s.llm.Complete(ctx, []Message{{Role: store.RoleUser, Content: prompt}}, browseMaxTokens)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Browse completed", zap.String("url", url), zap.Bool("question", question != ""))
	return &BrowseResult{URL: url, Response: response}, nil
}
