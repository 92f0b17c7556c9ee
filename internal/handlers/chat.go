package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
)

// HandleChats sends a user message to a session. It expects the "session_id" and "message" form fields,
// and an optional "agent_id" field that defaults to the configured agent.
//
// The reply is streamed in the background and every change is pushed to the session's SSE topic, so the
// handler answers 202 Accepted right away. A session that is still streaming a reply answers 409 Conflict.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		m.logger.Error("Session ID is required")
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}
	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	th, _ := m.sessionThread(r.Context(), sessionID)
	if th.IsRunning() {
		http.Error(w, "A reply is still being generated", http.StatusConflict)
		return
	}

	agentID := m.agentID(r)
	go func() {
		if err := th.Send(context.Background(), agentID, msg); err != nil {
			m.logger.Error("Failed to send message",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel stops the reply being streamed into a session. It answers 204 No Content when a reply was
// cancelled and 409 Conflict when nothing was running.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	th, ok := m.threads.Peek(sessionID)
	if !ok || !th.Cancel() {
		http.Error(w, "No reply is being generated", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReload regenerates the reply to a message. It expects the "session_id" form field and an optional
// "parent_id" field naming the message to keep; everything after it is dropped. An empty parent_id
// clears the session view. A session that is still streaming a reply answers 409 Conflict.
func (m Main) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}
	parentID := r.FormValue("parent_id")

	th, _ := m.sessionThread(r.Context(), sessionID)
	if th.IsRunning() {
		http.Error(w, "A reply is still being generated", http.StatusConflict)
		return
	}

	agentID := m.agentID(r)
	go func() {
		if err := th.Reload(context.Background(), agentID, parentID); err != nil {
			m.logger.Error("Failed to reload message",
				slog.String("sessionID", sessionID),
				slog.String("parentID", parentID),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleSessions creates a session for the "agent_id" form field, or the configured agent, with an
// optional "title", and redirects to the new session.
func (m Main) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agentID := m.agentID(r)
	if agentID == "" {
		http.Error(w, "Agent ID is required", http.StatusBadRequest)
		return
	}

	s, err := m.backend.CreateSession(r.Context(), agentID, r.FormValue("title"))
	if err != nil {
		m.logger.Error("Failed to create session",
			slog.String("agentID", agentID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	go m.publishSessions(s.ID)

	http.Redirect(w, r, "/?session_id="+url.QueryEscape(s.ID), http.StatusSeeOther)
}

func (m Main) agentID(r *http.Request) string {
	if id := r.FormValue("agent_id"); id != "" {
		return id
	}
	return m.opts.DefaultAgentID
}
