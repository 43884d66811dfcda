package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omnilab/omni-backend/internal/core"
	"github.com/omnilab/omni-backend/internal/store"
)

const (
	defaultConversationLimit = 50
	defaultNotesLimit        = 50
	defaultSearchLimit       = 20
)

type APIHandler struct {
	chatService *core.ChatService
	dbStore     *store.SQLiteStore
	logger      *zap.Logger
}

func NewAPIHandler(cs *core.ChatService, db *store.SQLiteStore, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{chatService: cs, dbStore: db, logger: logger}
}

type errorResponse struct {
	Detail string            `json:"detail"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeValidationError(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "validation failed", Fields: fields})
}

// decodeBody reports false after writing a 422 when the body is not valid JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps chat and browse failures onto HTTP statuses.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var fetchErr *core.FetchError
	var inferenceErr *core.InferenceError
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &fetchErr):
		writeError(w, http.StatusBadRequest, "Could not fetch URL")
	case errors.As(err, &inferenceErr):
		h.logger.Error("Inference failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, inferenceErr.Error())
	default:
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *APIHandler) storeError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

// queryLimit parses an optional positive integer query parameter.
func queryLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type ChatRequestBody struct {
	Message      string `json:"message"`
	SessionID    string `json:"session_id"`
	EnableSearch bool   `json:"enable_search"`
	MaxTokens    *int   `json:"max_tokens"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequestBody
	if !decodeBody(w, r, &req) {
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Message) == "" {
		fields["message"] = "required"
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		fields["max_tokens"] = "must be a positive integer"
	}
	if len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}

	chatReq := core.ChatRequest{
		SessionID:    req.SessionID,
		Message:      req.Message,
		EnableSearch: req.EnableSearch,
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = *req.MaxTokens
	}

	result, err := h.chatService.HandleChat(r.Context(), chatReq)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type BrowseRequestBody struct {
	URL      string `json:"url"`
	Question string `json:"question"`
}

// BrowseHandler accepts url and question as query parameters or as a JSON
// body; query parameters win.
func (h *APIHandler) BrowseHandler(w http.ResponseWriter, r *http.Request) {
	var req BrowseRequestBody
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
			return
		}
	}
	q := r.URL.Query()
	if v := q.Get("url"); v != "" {
		req.URL = v
	}
	if v := q.Get("question"); v != "" {
		req.Question = v
	}

	if strings.TrimSpace(req.URL) == "" {
		writeValidationError(w, map[string]string{"url": "required"})
		return
	}

	result, err := h.chatService.HandleBrowse(r.Context(), req.URL, req.Question)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type conversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ConversationResponse struct {
	SessionID string                `json:"session_id"`
	Messages  []conversationMessage `json:"messages"`
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit, ok := queryLimit(r, defaultConversationLimit)
	if !ok {
		writeValidationError(w, map[string]string{"limit": "must be a positive integer"})
		return
	}

	turns, err := h.dbStore.RecentTurns(r.Context(), sessionID, limit)
	if err != nil {
		h.storeError(w, "Failed to load conversation", err)
		return
	}

	resp := ConversationResponse{
		SessionID: sessionID,
		Messages:  make([]conversationMessage, 0, len(turns)),
	}
	for _, t := range turns {
		resp.Messages = append(resp.Messages, conversationMessage{Role: t.Role, Content: t.Content, Timestamp: t.Timestamp})
	}
	writeJSON(w, http.StatusOK, resp)
}

type CreateNoteRequest struct {
	Title   string  `json:"title"`
	Content *string `json:"content"` // may be empty, must be present
	Tags    string  `json:"tags"`
}

func (h *APIHandler) CreateNoteHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Title) == "" {
		fields["title"] = "required"
	}
	if req.Content == nil {
		fields["content"] = "required"
	}
	if len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}

	note := &store.Note{Title: req.Title, Content: *req.Content, Tags: req.Tags}
	if err := h.dbStore.CreateNote(r.Context(), note); err != nil {
		h.storeError(w, "Failed to create note", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "created", "id": note.ID})
}

type noteSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      string    `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *APIHandler) ListNotesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, defaultNotesLimit)
	if !ok {
		writeValidationError(w, map[string]string{"limit": "must be a positive integer"})
		return
	}

	notes, err := h.dbStore.ListNotes(r.Context(), r.URL.Query().Get("tag"), limit)
	if err != nil {
		h.storeError(w, "Failed to list notes", err)
		return
	}

	out := make([]noteSummary, 0, len(notes))
	for _, n := range notes {
		out = append(out, noteSummary{ID: n.ID, Title: n.Title, Content: n.Content, Tags: n.Tags, CreatedAt: n.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": out})
}

type noteMatch struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Tags    string `json:"tags"`
}

func (h *APIHandler) SearchNotesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeValidationError(w, map[string]string{"q": "required"})
		return
	}

	notes, err := h.dbStore.SearchNotes(r.Context(), q, defaultSearchLimit)
	if err != nil {
		h.storeError(w, "Failed to search notes", err)
		return
	}

	out := make([]noteMatch, 0, len(notes))
	for _, n := range notes {
		out = append(out, noteMatch{ID: n.ID, Title: n.Title, Content: n.Content, Tags: n.Tags})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *APIHandler) GetNoteHandler(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")

	note, err := h.dbStore.GetNote(r.Context(), noteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Note not found")
			return
		}
		h.storeError(w, "Failed to get note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

type SaveContextRequest struct {
	Key      string  `json:"key"`
	Value    *string `json:"value"` // may be empty, must be present
	Category string  `json:"category"`
}

func (h *APIHandler) SaveContextHandler(w http.ResponseWriter, r *http.Request) {
	var req SaveContextRequest
	if !decodeBody(w, r, &req) {
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Key) == "" {
		fields["key"] = "required"
	}
	if req.Value == nil {
		fields["value"] = "required"
	}
	if len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}

	entry := &store.ContextEntry{Key: req.Key, Value: *req.Value, Category: req.Category}
	if err := h.dbStore.UpsertContext(r.Context(), entry); err != nil {
		h.storeError(w, "Failed to save context", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

type contextItem struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Category string `json:"category"`
}

func (h *APIHandler) ListContextHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dbStore.ListContext(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		h.storeError(w, "Failed to list context", err)
		return
	}

	out := make([]contextItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, contextItem{Key: e.Key, Value: e.Value, Category: e.Category})
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": out})
}
