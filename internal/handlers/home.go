package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"golang.org/x/sync/errgroup"
)

type homePageData struct {
	Sessions         []session
	CurrentSessionID string
	CurrentAgentID   string
	Messages         []message
	Running          bool
}

// HandleHome renders the page with the session list and, when the "session_id" query parameter is set,
// the messages of that session. The history is fetched again on every visit unless a reply is streaming.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sessionID := r.URL.Query().Get("session_id")

	var sessions []models.ChatSession
	var msgs []models.Message
	running := false

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		sessions, err = m.backend.Sessions(ctx)
		return err
	})
	if sessionID != "" {
		// History loads use the request context; a failed session listing must not cut them short.
		g.Go(func() error {
			th, loaded := m.sessionThread(r.Context(), sessionID)
			running = th.IsRunning()
			if !loaded && !running {
				th.Load(r.Context())
			}
			msgs = th.Messages()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Sessions:         m.sessions(sessions, sessionID),
		CurrentSessionID: sessionID,
		CurrentAgentID:   m.opts.DefaultAgentID,
		Messages:         m.messages(msgs),
		Running:          running,
	}
	for _, s := range sessions {
		if s.ID == sessionID && s.AgentID != "" {
			data.CurrentAgentID = s.AgentID
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
