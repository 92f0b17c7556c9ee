// Command tui is a terminal chat client for ISEK agent sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/MegaGrindStone/isek-web-ui/internal/services"
	"github.com/MegaGrindStone/isek-web-ui/internal/thread"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	baseURL := flag.String("url", envOr("ISEK_BASE_URL", "http://localhost:5000"), "ISEK server base URL")
	sessionID := flag.String("session", "", "session to open, a new one is created when empty")
	agentID := flag.String("agent", "", "agent to talk to, defaults to the agent of the session")
	timeout := flag.Duration("timeout", thread.DefaultTimeout, "how long to wait for the first chunk of a reply")
	logFile := flag.String("log", "", "file to write logs to, logging is disabled when empty")
	flag.Parse()

	logger := slog.New(slog.DiscardHandler)
	if *logFile != "" {
		file := &lumberjack.Logger{Filename: *logFile, MaxSize: 10, MaxBackups: 3, LocalTime: true}
		defer file.Close()
		logger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	backend := services.NewIsek(*baseURL, "", nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sid, agent, err := resolveSession(ctx, backend, *sessionID, *agentID)
	cancel()
	if err != nil {
		log.Fatal(err)
	}

	u := newUpdates()
	th := thread.New(sid, backend, thread.Options{
		Timeout:  *timeout,
		OnUpdate: u.push,
		Logger:   logger,
	})

	p := tea.NewProgram(newModel(th, agent, glamour.WithAutoStyle()), tea.WithAltScreen())

	fwdCtx, fwdCancel := context.WithCancel(context.Background())
	defer fwdCancel()
	go u.forward(fwdCtx, p.Send)

	if _, err := p.Run(); err != nil {
		log.Fatal(fmt.Errorf("error running program: %w", err))
	}
}

type sessionBackend interface {
	Sessions(ctx context.Context) ([]models.ChatSession, error)
	CreateSession(ctx context.Context, agentID, title string) (models.ChatSession, error)
}

// resolveSession creates a session for agentID when sessionID is empty, and looks up the agent of an
// existing session when agentID is empty.
func resolveSession(ctx context.Context, backend sessionBackend, sessionID, agentID string) (string, string, error) {
	if sessionID == "" {
		if agentID == "" {
			return "", "", errors.New("either -session or -agent is required")
		}
		s, err := backend.CreateSession(ctx, agentID, "")
		if err != nil {
			return "", "", fmt.Errorf("error creating session: %w", err)
		}
		return s.ID, agentID, nil
	}
	if agentID != "" {
		return sessionID, agentID, nil
	}

	sessions, err := backend.Sessions(ctx)
	if err != nil {
		return "", "", fmt.Errorf("error listing sessions: %w", err)
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return sessionID, s.AgentID, nil
		}
	}
	return "", "", fmt.Errorf("session %s not found", sessionID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
