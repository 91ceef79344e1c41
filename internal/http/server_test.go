package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/analyzer"
	"github.com/civitaslabs/policyd/internal/composer"
	"github.com/civitaslabs/policyd/internal/docstore"
	"github.com/civitaslabs/policyd/internal/genai"
	"github.com/civitaslabs/policyd/internal/pipeline"
	"github.com/civitaslabs/policyd/internal/retriever"
	"github.com/civitaslabs/policyd/internal/session"
	"github.com/civitaslabs/policyd/internal/simplifier"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

type stubDocStore struct {
	mu   sync.Mutex
	hits []docstore.Hit
	err  error
}

func (s *stubDocStore) AddDocuments(ctx context.Context, docs []docstore.Document) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (s *stubDocStore) Search(ctx context.Context, query string, k int, filter docstore.Filter) ([]docstore.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func (s *stubDocStore) Count(ctx context.Context) (int, error) { return len(s.hits), nil }

func (s *stubDocStore) Close() error { return nil }

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	turns    map[string][]session.Turn
	nextID   int
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions: make(map[string]*session.Session),
		turns:    make(map[string][]session.Turn),
	}
}

func (m *memSessions) Create(ctx context.Context) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := &session.Session{ID: fmt.Sprintf("sess-%d", m.nextID), CreatedAt: time.Now()}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memSessions) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (m *memSessions) Append(ctx context.Context, sessionID string, turn session.Turn) (*session.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, session.ErrNotFound
	}
	turn.Index = len(m.turns[sessionID])
	turn.CreatedAt = time.Now()
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return &turn, nil
}

func (m *memSessions) History(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, session.ErrNotFound
	}
	turns := m.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]session.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *memSessions) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return session.ErrNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.turns, sessionID)
	return nil
}

func (m *memSessions) Close() error { return nil }

type testServer struct {
	srv   *Server
	store *stubDocStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := &stubDocStore{hits: []docstore.Hit{{
		Document: docstore.Document{
			ID:          "doc-loan-1",
			Title:       "전세자금 대출 지원 안내",
			Category:    taxonomy.HousingFinance,
			Body:        "전세자금 대출 신청은 은행 방문 또는 온라인으로 가능합니다.",
			Agency:      "국토교통부",
			PublishedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		Score: 0.82,
	}}}
	sessions := newMemSessions()

	an, err := analyzer.New(genai.NewScriptedGenerator(
		`{"category":"housing-finance","intent":"policy","keywords":["전세","대출"],"confidence":0.9}`,
	), analyzer.Config{}, nil)
	require.NoError(t, err)
	ret, err := retriever.New(store, retriever.Config{}, nil)
	require.NoError(t, err)
	sm, err := simplifier.New(genai.NewScriptedGenerator(
		"전세자금 대출 신청은 은행 방문 또는 온라인으로 가능합니다 [1].",
	), simplifier.Config{}, nil)
	require.NoError(t, err)
	cp, err := composer.New(genai.NewScriptedGenerator("안내드릴게요."), composer.Config{}, nil)
	require.NoError(t, err)

	pipe, err := pipeline.New(an, ret, sm, cp, sessions, nil, pipeline.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	srv, err := NewServer(pipe, sessions, ret, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	return &testServer{srv: srv, store: store}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoHeaderContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.srv.Echo().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	rec := ts.do(http.MethodPost, "/chat/session", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "policyd", resp.Service)
}

func TestCategories(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/search/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CategoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Categories)

	ids := make([]string, 0, len(resp.Categories))
	for _, c := range resp.Categories {
		ids = append(ids, string(c.ID))
	}
	assert.Contains(t, ids, "housing-finance")
}

func TestSearchQuery(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/search/query", `{"query":"전세 대출"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "doc-loan-1", resp.Results[0].DocID)
	assert.Equal(t, "housing-finance", resp.Results[0].Category)
	assert.NotEmpty(t, resp.Results[0].Snippet)
	assert.Equal(t, "2025-03-01", resp.Results[0].PublishedAt)
}

func TestSearchQueryValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/search/query", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/search/query", `{"query":"전세","category":"no-such-category"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchQueryStoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.store.err = docstore.ErrUnavailable

	rec := ts.do(http.MethodPost, "/search/query", `{"query":"전세 대출"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	// The upstream error detail stays out of the response.
	assert.NotContains(t, rec.Body.String(), "document store")
}

func TestChatMessageFlow(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	rec := ts.do(http.MethodPost, "/chat/message",
		fmt.Sprintf(`{"session_id":%q,"message":"전세 대출 지원 정책 알려줘"}`, id))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.SessionID)
	assert.Equal(t, 0, resp.TurnIndex)
	assert.Contains(t, resp.Answer, "전세자금 대출")
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "doc-loan-1", resp.Citations[0].DocID)
	assert.False(t, resp.Degraded)
}

func TestChatMessageValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/chat/message", `{"message":"전세 대출"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/chat/message", `{"session_id":"sess-1","message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatMessageUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/chat/message", `{"session_id":"missing","message":"전세 대출 정책"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatHistory(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	rec := ts.do(http.MethodPost, "/chat/message",
		fmt.Sprintf(`{"session_id":%q,"message":"전세 대출 지원 정책 알려줘"}`, id))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/chat/history/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.SessionID)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, 0, resp.Turns[0].Index)
	assert.Equal(t, "전세 대출 지원 정책 알려줘", resp.Turns[0].Query)
}

func TestChatHistoryUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/chat/history/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t)

	rec := ts.do(http.MethodDelete, "/chat/session/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/chat/history/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodDelete, "/chat/session/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPopularWithoutTracker(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/search/popular", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PopularResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Terms)

	rec = ts.do(http.MethodGet, "/search/popular?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
