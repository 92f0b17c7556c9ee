package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/isek-web-ui/internal/handlers"
	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	sessions   []models.ChatSession
	messages   map[string][]models.StoredMessage
	chunks     []models.Chunk
	sessionErr error
	// block makes streams wait for cancellation after their chunks.
	block bool
	// messagesDelay is how long Messages takes unless its context ends first.
	messagesDelay time.Duration

	mu        sync.Mutex
	sent      []string
	agents    []string
	histories [][]models.HistoryEntry
	created   []models.ChatSession
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockBackend{}, handlers.Options{})
	require.NoError(t, err)

	assert.NoError(t, main.Shutdown(context.Background()))
}

func TestHandleHome(t *testing.T) {
	backend := &mockBackend{
		sessions: []models.ChatSession{
			{ID: "1", Title: "Test Chat", AgentID: "agent-1"},
			{ID: "2", AgentName: "Planner"},
		},
		messages: map[string][]models.StoredMessage{
			"1": {
				{ID: "m1", Role: models.RoleUser, Content: json.RawMessage(`"Hello <b>there</b>"`)},
				{ID: "m2", Role: models.RoleAssistant, Content: json.RawMessage(`"**Welcome** back"`)},
				{
					ID:      "m3",
					Role:    models.RoleAssistant,
					Content: json.RawMessage(`""`),
					ToolInvocations: json.RawMessage(`[{"id":"t1","function":{"name":"team-formation",` +
						`"arguments":{"task":"Launch","status":"recruiting","progress":0.5,"members":[{"name":"Ada"}]}}}]`),
				},
			},
		},
	}

	main, err := handlers.NewMain(backend, handlers.Options{})
	require.NoError(t, err)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   []string
		notInBody  []string
	}{
		{
			name:       "Home page without session",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Test Chat", "Planner", "Select a session"},
		},
		{
			name:       "Home page with session",
			url:        "/?session_id=1",
			wantStatus: http.StatusOK,
			wantBody: []string{
				"Hello &lt;b&gt;there&lt;/b&gt;",
				"<strong>Welcome</strong> back",
				"小队组建",
				"50%",
				"1/4",
				"Ada",
				`value="agent-1"`,
			},
			notInBody: []string{"<b>there</b>"},
		},
		{
			name:       "Unknown path",
			url:        "/favicon.ico",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rr := httptest.NewRecorder()

			main.HandleHome(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			for _, want := range tt.wantBody {
				assert.Contains(t, rr.Body.String(), want)
			}
			for _, notWant := range tt.notInBody {
				assert.NotContains(t, rr.Body.String(), notWant)
			}
		})
	}
}

func TestHandleHomeSessionsError(t *testing.T) {
	main, err := handlers.NewMain(&mockBackend{sessionErr: errors.New("backend down")}, handlers.Options{})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	main.HandleHome(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHandleHomeSessionsErrorKeepsHistory(t *testing.T) {
	backend := &mockBackend{
		sessionErr: errors.New("backend down"),
		messages: map[string][]models.StoredMessage{
			"1": {
				{ID: "m1", Role: models.RoleUser, Content: json.RawMessage(`"first question"`)},
				{ID: "m2", Role: models.RoleAssistant, Content: json.RawMessage(`"old answer"`)},
			},
		},
		messagesDelay: 50 * time.Millisecond,
	}
	main, err := handlers.NewMain(backend, handlers.Options{})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	main.HandleHome(rr, httptest.NewRequest(http.MethodGet, "/?session_id=1", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	backend.messagesDelay = 0
	rr = httptest.NewRecorder()
	main.HandleChats(rr, formRequest(http.MethodPost, "/chats",
		url.Values{"session_id": {"1"}, "message": {"hi"}, "agent_id": {"agent-1"}}))
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		sent, _ := backend.calls()
		return len(sent) == 1
	}, time.Second, 10*time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []models.HistoryEntry{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "old answer"},
		{Role: models.RoleUser, Content: "hi"},
	}, backend.histories[0])
}

func TestHandleChats(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing session",
			method:     http.MethodPost,
			form:       url.Values{"message": {"hi"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			form:       url.Values{"session_id": {"1"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Valid message",
			method:     http.MethodPost,
			form:       url.Values{"session_id": {"1"}, "message": {"hi"}},
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "Hello"}}}
			main, err := handlers.NewMain(backend, handlers.Options{DefaultAgentID: "default-agent"})
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			main.HandleChats(rr, formRequest(tt.method, "/chats", tt.form))

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			require.Eventually(t, func() bool {
				sent, agents := backend.calls()
				return len(sent) == 1 && sent[0] == "hi" && agents[0] == "default-agent"
			}, time.Second, 10*time.Millisecond)
		})
	}
}

func TestHandleChatsWhileRunning(t *testing.T) {
	backend := &mockBackend{block: true}
	main, err := handlers.NewMain(backend, handlers.Options{})
	require.NoError(t, err)
	defer main.Shutdown(context.Background())

	form := url.Values{"session_id": {"1"}, "message": {"hi"}, "agent_id": {"agent-1"}}

	rr := httptest.NewRecorder()
	main.HandleChats(rr, formRequest(http.MethodPost, "/chats", form))
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		sent, _ := backend.calls()
		return len(sent) == 1
	}, time.Second, 10*time.Millisecond)

	rr = httptest.NewRecorder()
	main.HandleChats(rr, formRequest(http.MethodPost, "/chats", form))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	main.HandleReload(rr, formRequest(http.MethodPost, "/chats/reload", url.Values{"session_id": {"1"}}))
	assert.Equal(t, http.StatusConflict, rr.Code)

	cancelForm := url.Values{"session_id": {"1"}}

	rr = httptest.NewRecorder()
	main.HandleCancel(rr, formRequest(http.MethodPost, "/chats/cancel", cancelForm))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	main.HandleCancel(rr, formRequest(http.MethodPost, "/chats/cancel", cancelForm))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleCancelUnknownSession(t *testing.T) {
	main, err := handlers.NewMain(&mockBackend{}, handlers.Options{})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	main.HandleCancel(rr, formRequest(http.MethodPost, "/chats/cancel", url.Values{"session_id": {"x"}}))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	main.HandleCancel(rr, formRequest(http.MethodPost, "/chats/cancel", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleReload(t *testing.T) {
	backend := &mockBackend{
		messages: map[string][]models.StoredMessage{
			"1": {
				{ID: "m1", Role: models.RoleUser, Content: json.RawMessage(`"first question"`)},
				{ID: "m2", Role: models.RoleAssistant, Content: json.RawMessage(`"old answer"`)},
			},
		},
		chunks: []models.Chunk{{Type: models.ChunkTypeText, Text: "new answer"}},
	}
	main, err := handlers.NewMain(backend, handlers.Options{})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	main.HandleReload(rr, formRequest(http.MethodPost, "/chats/reload",
		url.Values{"session_id": {"1"}, "parent_id": {"m1"}, "agent_id": {"agent-1"}}))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		sent, _ := backend.calls()
		return len(sent) == 1 && sent[0] == "first question"
	}, time.Second, 10*time.Millisecond)

	rr = httptest.NewRecorder()
	main.HandleReload(rr, formRequest(http.MethodPost, "/chats/reload", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSessions(t *testing.T) {
	t.Run("Creates session and redirects", func(t *testing.T) {
		backend := &mockBackend{}
		main, err := handlers.NewMain(backend, handlers.Options{DefaultAgentID: "agent-1"})
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		main.HandleSessions(rr, formRequest(http.MethodPost, "/sessions", url.Values{"title": {"Plan"}}))

		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/?session_id=new-1", rr.Header().Get("Location"))

		backend.mu.Lock()
		defer backend.mu.Unlock()
		require.Len(t, backend.created, 1)
		assert.Equal(t, "agent-1", backend.created[0].AgentID)
		assert.Equal(t, "Plan", backend.created[0].Title)
	})

	t.Run("Agent is required", func(t *testing.T) {
		main, err := handlers.NewMain(&mockBackend{}, handlers.Options{})
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		main.HandleSessions(rr, formRequest(http.MethodPost, "/sessions", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := handlers.NewMetrics(reg)
	require.NoError(t, err)

	backend := &mockBackend{chunks: []models.Chunk{
		{Type: models.ChunkTypeText, Text: "a"},
		{Type: "finish"},
		{Type: "step-start"},
		{Type: models.ChunkTypeText, Text: "b"},
	}}
	main, err := handlers.NewMain(backend, handlers.Options{Metrics: metrics})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	main.HandleChats(rr, formRequest(http.MethodPost, "/chats", url.Values{"session_id": {"1"}, "message": {"hi"}}))
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "isekwebui_reply_duration_seconds")
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	expected := `
# HELP isekwebui_stream_chunks_total Number of reply stream chunks received, by chunk type.
# TYPE isekwebui_stream_chunks_total counter
isekwebui_stream_chunks_total{type="other"} 2
isekwebui_stream_chunks_total{type="text"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "isekwebui_stream_chunks_total"))

	_, err = handlers.NewMetrics(reg)
	assert.Error(t, err, "registering twice fails")
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func (m *mockBackend) Sessions(context.Context) ([]models.ChatSession, error) {
	if m.sessionErr != nil {
		return nil, m.sessionErr
	}
	return m.sessions, nil
}

func (m *mockBackend) CreateSession(_ context.Context, agentID, title string) (models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := models.ChatSession{ID: "new-" + string(rune('1'+len(m.created))), AgentID: agentID, Title: title}
	m.created = append(m.created, s)
	return s, nil
}

func (m *mockBackend) Messages(ctx context.Context, sessionID string) ([]models.StoredMessage, error) {
	if m.messagesDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.messagesDelay):
		}
	}
	return m.messages[sessionID], nil
}

func (m *mockBackend) SendMessageStream(
	ctx context.Context,
	text, _, agentID string,
	history []models.HistoryEntry,
) iter.Seq2[models.Chunk, error] {
	m.mu.Lock()
	m.sent = append(m.sent, text)
	m.agents = append(m.agents, agentID)
	m.histories = append(m.histories, history)
	m.mu.Unlock()

	return func(yield func(models.Chunk, error) bool) {
		for _, c := range m.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if m.block {
			<-ctx.Done()
			yield(models.Chunk{}, ctx.Err())
		}
	}
}

func (m *mockBackend) calls() ([]string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...), append([]string(nil), m.agents...)
}
