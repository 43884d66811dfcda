package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omnilab/omni-backend/internal/config"
	"github.com/omnilab/omni-backend/internal/core"
	"github.com/omnilab/omni-backend/internal/store"
	"github.com/omnilab/omni-backend/internal/webpage"
)

type stubLLM struct {
	response string
	err      error
	prompts  [][]core.Message
}

func (s *stubLLM) Complete(ctx context.Context, messages []core.Message, maxTokens int) (string, error) {
	s.prompts = append(s.prompts, messages)
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
	llm     *stubLLM
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := store.NewSQLiteStore(config.DriverMattn, filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	llm := &stubLLM{response: "model answer"}
	cfg := &config.Config{}
	fetcher := webpage.NewFetcher(&http.Client{}, logger)
	chat := core.NewChatService(cfg, db, nil, fetcher, llm, logger)

	return &testServer{
		handler: NewRouter(NewAPIHandler(chat, db, logger), logger),
		store:   db,
		llm:     llm,
	}
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestChatHandler(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/chat", map[string]any{"message": "hello", "session_id": "s1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "model answer", body["response"])
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, false, body["search_used"])
	assert.Equal(t, []any{}, body["sources"])

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode[ConversationResponse](t, rec)
	assert.Equal(t, "s1", conv.SessionID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, store.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "model answer", conv.Messages[1].Content)
}

func TestChatHandlerDefaultSession(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/chat", map[string]any{"message": "hi"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.DefaultSessionID, decode[map[string]any](t, rec)["session_id"])
}

func TestChatHandlerValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		fields []string
	}{
		{name: "missing message", body: map[string]any{}, fields: []string{"message"}},
		{name: "blank message", body: map[string]any{"message": "   "}, fields: []string{"message"}},
		{name: "zero max tokens", body: map[string]any{"message": "hi", "max_tokens": 0}, fields: []string{"max_tokens"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/chat", tt.body)

			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			body := decode[errorResponse](t, rec)
			assert.Equal(t, "validation failed", body.Detail)
			for _, f := range tt.fields {
				assert.Contains(t, body.Fields, f)
			}
		})
	}
	assert.Empty(t, ts.llm.prompts)
}

func TestChatHandlerMalformedJSON(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/chat", "{not json")

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Detail, "invalid request body")
}

func TestChatHandlerInferenceError(t *testing.T) {
	ts := newTestServer(t)
	ts.llm.err = &core.InferenceError{StatusCode: http.StatusServiceUnavailable, Detail: "overloaded"}

	rec := ts.do(t, http.MethodPost, "/api/v1/chat", map[string]any{"message": "hi", "session_id": "s1"})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "inference backend returned status 503: overloaded", decode[errorResponse](t, rec).Detail)

	turns, err := ts.store.RecentTurns(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestBrowseHandler(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>Gophers like tunnels.</p></body></html>"))
	}))
	defer page.Close()

	t.Run("query parameters", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/v1/browse?url="+page.URL+"&question=What+do+gophers+like", nil)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[map[string]string](t, rec)
		assert.Equal(t, page.URL, body["url"])
		assert.Equal(t, "model answer", body["response"])
		require.Len(t, ts.llm.prompts, 1)
		assert.Contains(t, ts.llm.prompts[0][0].Content, "Gophers like tunnels.")
		assert.Contains(t, ts.llm.prompts[0][0].Content, "Question: What do gophers like")
	})

	t.Run("json body", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/v1/browse", map[string]string{"url": page.URL})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Len(t, ts.llm.prompts, 1)
		assert.Contains(t, ts.llm.prompts[0][0].Content, "Provide a concise summary of the main points.")
	})
}

func TestBrowseHandlerUnreachable(t *testing.T) {
	ts := newTestServer(t)
	gone := httptest.NewServer(http.NotFoundHandler())
	url := gone.URL
	gone.Close()

	rec := ts.do(t, http.MethodPost, "/api/v1/browse?url="+url, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Could not fetch URL", decode[errorResponse](t, rec).Detail)
	assert.Empty(t, ts.llm.prompts)
}

func TestBrowseHandlerMissingURL(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/browse", nil)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Fields, "url")
}

func TestConversationHandlerEmptyAndLimit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/conversations/unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"unknown","messages":[]}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/unknown?limit=abc", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestNotesRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/notes", map[string]string{"title": "Groceries", "content": "milk, eggs", "tags": "home,shopping"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[map[string]string](t, rec)
	assert.Equal(t, "created", created["status"])
	require.NotEmpty(t, created["id"])

	ts.do(t, http.MethodPost, "/api/v1/notes", map[string]string{"title": "Standup", "content": "ship it", "tags": "work"})

	rec = ts.do(t, http.MethodGet, "/api/v1/notes?tag=shopping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[map[string][]noteSummary](t, rec)
	require.Len(t, listed["notes"], 1)
	assert.Equal(t, "Groceries", listed["notes"][0].Title)

	rec = ts.do(t, http.MethodGet, "/api/v1/notes/search?q=ship", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[map[string][]noteMatch](t, rec)
	require.Len(t, found["results"], 1)
	assert.Equal(t, "Standup", found["results"][0].Title)

	rec = ts.do(t, http.MethodGet, "/api/v1/notes/"+created["id"], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	note := decode[store.Note](t, rec)
	assert.Equal(t, "milk, eggs", note.Content)
	assert.Equal(t, "home,shopping", note.Tags)
}

func TestNotesErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/notes", map[string]string{"title": "only a title"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Fields, "content")

	rec = ts.do(t, http.MethodGet, "/api/v1/notes/search", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/notes/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Note not found", decode[errorResponse](t, rec).Detail)
}

func TestContextHandlers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/context", map[string]string{"key": "name", "value": "Ada"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"saved"}`, rec.Body.String())

	ts.do(t, http.MethodPost, "/api/v1/context", map[string]string{"key": "name", "value": "Grace", "category": "profile"})
	ts.do(t, http.MethodPost, "/api/v1/context", map[string]string{"key": "editor", "value": "vim"})

	rec = ts.do(t, http.MethodGet, "/api/v1/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"context":[
		{"key":"editor","value":"vim","category":"general"},
		{"key":"name","value":"Grace","category":"profile"}
	]}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/context?category=profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"context":[{"key":"name","value":"Grace","category":"profile"}]}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/context", map[string]string{"value": "orphan"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestEmptyValuesArePresent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/notes", map[string]string{"title": "Placeholder", "content": ""})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decode[map[string]string](t, rec)["id"]

	rec = ts.do(t, http.MethodGet, "/api/v1/notes/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[store.Note](t, rec).Content)

	rec = ts.do(t, http.MethodPost, "/api/v1/context", map[string]string{"key": "nickname", "value": ""})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"context":[{"key":"nickname","value":"","category":"general"}]}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/context", map[string]string{"key": "nickname"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Fields, "value")
}

func TestContextFeedsChat(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/api/v1/context", map[string]string{"key": "name", "value": "Ada"})
	rec := ts.do(t, http.MethodPost, "/api/v1/chat", map[string]any{"message": "who am I?"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.llm.prompts, 1)
	assert.Equal(t, core.Message{Role: store.RoleSystem, Content: "Relevant context:\n- name: Ada"}, ts.llm.prompts[0][0])
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
