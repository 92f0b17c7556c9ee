package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	isekwebui "github.com/MegaGrindStone/isek-web-ui"
	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/MegaGrindStone/isek-web-ui/internal/thread"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Backend is the chat backend behind the web UI. Besides the history and streaming operations a thread
// needs, it lists and creates sessions.
type Backend interface {
	thread.Backend

	Sessions(ctx context.Context) ([]models.ChatSession, error)
	CreateSession(ctx context.Context, agentID, title string) (models.ChatSession, error)
}

// Options configures Main. Zero values are replaced by defaults.
type Options struct {
	// StreamTimeout is how long a reply may take to produce its first chunk.
	StreamTimeout time.Duration
	// ThreadCacheSize is the number of sessions whose threads are kept in memory.
	ThreadCacheSize int
	// DefaultAgentID is used when a request does not name an agent.
	DefaultAgentID string

	Metrics *Metrics
	Logger  *slog.Logger
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and the threads of the chat sessions.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	backend Backend
	threads *lru.Cache[string, *thread.Thread]

	opts   Options
	logger *slog.Logger
}

const (
	defaultThreadCacheSize = 128

	sessionsSSETopic = "sessions"

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	sessionsSSEType = sse.Type("sessions")
	messagesSSEType = sse.Type("messages")
)

// NewMain creates a new Main instance with the provided Backend. It initializes the SSE server and parses
// the HTML templates from the embedded filesystem. Clients subscribe to the sessions topic, and to the
// topic of one session when they pass session_id.
func NewMain(backend Backend, opts Options) (Main, error) {
	if opts.ThreadCacheSize <= 0 {
		opts.ThreadCacheSize = defaultThreadCacheSize
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = thread.DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		isekwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	// Evicted threads stop streaming; their session is reloaded from the backend when visited again.
	threads, err := lru.NewWithEvict(opts.ThreadCacheSize, func(_ string, th *thread.Thread) {
		th.Cancel()
	})
	if err != nil {
		return Main{}, fmt.Errorf("failed to create thread cache: %w", err)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, sessionsSSETopic}

				sessionID := s.Req.URL.Query().Get("session_id")
				if sessionID != "" {
					topics = append(topics, sessionTopic(sessionID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		markdown:  newMarkdown(),
		backend:   backend,
		threads:   threads,
		opts:      opts,
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// HandleSSE subscribes the client to session list updates and, with a session_id query parameter, to the
// re-rendered messages of that session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown stops every running reply and gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	for _, th := range m.threads.Values() {
		th.Cancel()
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// sessionThread returns the cached thread of the session, creating and loading it on first use. The
// returned bool reports whether the thread was loaded by this call. A thread is only cached once its
// history is loaded, and not at all when ctx ended during the load.
func (m Main) sessionThread(ctx context.Context, sessionID string) (*thread.Thread, bool) {
	if th, ok := m.threads.Get(sessionID); ok {
		return th, false
	}

	opts := thread.Options{
		Timeout:       m.opts.StreamTimeout,
		OnUpdate:      m.publishMessages,
		OnMessageSent: m.publishSessions,
		Logger:        m.logger,
	}
	if m.opts.Metrics != nil {
		opts.Observer = m.opts.Metrics
	}

	th := thread.New(sessionID, m.backend, opts)
	th.Load(ctx)
	if ctx.Err() != nil {
		return th, true
	}

	if prev, ok, _ := m.threads.PeekOrAdd(sessionID, th); ok {
		return prev, false
	}
	m.opts.Metrics.setThreads(m.threads.Len())
	return th, true
}

// publishMessages pushes the re-rendered message list of a session to its subscribers. It runs with the
// thread lock held.
func (m Main) publishMessages(sessionID string, msgs []models.Message) {
	html, err := m.renderTemplate("messages", m.messages(msgs))
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(html)
	if err := m.sseSrv.Publish(&msg, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish messages",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// publishSessions pushes the session list, so message counts and titles follow a finished reply. The
// active session differs per client, so the page marks it itself.
func (m Main) publishSessions(string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := m.backend.Sessions(ctx)
	if err != nil {
		m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
		return
	}

	html, err := m.renderTemplate("session_list", m.sessions(list, ""))
	if err != nil {
		m.logger.Error("Failed to render sessions", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sessionsSSEType}
	msg.AppendData(html)
	if err := m.sseSrv.Publish(&msg, sessionsSSETopic); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}
}
