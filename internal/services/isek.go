package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Isek is the client of the ISEK agent backend. It lists and creates sessions, loads session history
// and streams agent replies.
type Isek struct {
	baseURL      string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type isekChatRequest struct {
	SessionID string            `json:"sessionId"`
	AgentID   string            `json:"agentId,omitempty"`
	Messages  []isekChatMessage `json:"messages"`
	System    string            `json:"system"`
}

type isekChatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type isekCreateSessionRequest struct {
	AgentID string `json:"agentId"`
	Title   string `json:"title,omitempty"`
}

type isekFinish struct {
	FinishReason string `json:"finishReason"`
}

const (
	// Data stream part prefixes.
	isekPartChunk  = "0"
	isekPartError  = "3"
	isekPartFinish = "d"

	isekDoneEvent = "[DONE]"

	// Tool-call chunks of a large team can exceed bufio's default token size.
	isekMaxLineSize = 4 << 20
)

// NewIsek creates a client for the ISEK backend at baseURL. systemPrompt is sent with every chat
// request. A nil client uses http.DefaultClient.
func NewIsek(baseURL, systemPrompt string, client *http.Client, logger *slog.Logger) Isek {
	if client == nil {
		client = http.DefaultClient
	}
	return Isek{
		baseURL:      strings.TrimRight(baseURL, "/"),
		systemPrompt: systemPrompt,
		client:       client,
		logger:       logger.With(slog.String("module", "isek")),
	}
}

// Sessions lists the chat sessions known to the backend.
func (i Isek) Sessions(ctx context.Context) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	if err := i.getJSON(ctx, "/api/sessions", &sessions); err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession creates a session bound to agentID.
func (i Isek) CreateSession(ctx context.Context, agentID, title string) (models.ChatSession, error) {
	body, err := json.Marshal(isekCreateSessionRequest{AgentID: agentID, Title: title})
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := i.do(ctx, http.MethodPost, "/api/sessions", body, "application/json")
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to create session: %w", err)
	}
	defer resp.Body.Close()

	var session models.ChatSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return session, nil
}

// Messages returns the stored messages of a session.
func (i Isek) Messages(ctx context.Context, sessionID string) ([]models.StoredMessage, error) {
	var msgs []models.StoredMessage
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := i.getJSON(ctx, path, &msgs); err != nil {
		return nil, fmt.Errorf("failed to get messages of session %s: %w", sessionID, err)
	}
	return msgs, nil
}

// SendMessageStream posts the conversation to the chat endpoint and yields the reply chunks as they
// arrive. The last history entry sent is always the user text. Both the line based data stream and
// server-sent events are understood, depending on the response content type.
func (i Isek) SendMessageStream(
	ctx context.Context,
	text, sessionID, agentID string,
	history []models.HistoryEntry,
) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		history = ensureUserText(history, text)
		msgs := make([]isekChatMessage, len(history))
		for idx, h := range history {
			msgs[idx] = isekChatMessage{Role: h.Role, Content: h.Content}
		}

		body, err := json.Marshal(isekChatRequest{
			SessionID: sessionID,
			AgentID:   agentID,
			Messages:  msgs,
			System:    i.systemPrompt,
		})
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to marshal request: %w", err))
			return
		}

		i.logger.Debug("Request", slog.String("sessionID", sessionID), slog.Int("messages", len(msgs)))

		resp, err := i.do(ctx, http.MethodPost, "/api/chat", body, "text/event-stream")
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to send message: %w", err))
			return
		}
		defer resp.Body.Close()

		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType == "text/event-stream" {
			i.readEvents(resp.Body, yield)
			return
		}
		i.readDataStream(resp.Body, yield)
	}
}

func (i Isek) readDataStream(r io.Reader, yield func(models.Chunk, error) bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), isekMaxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		prefix, payload, ok := strings.Cut(line, ":")
		if !ok {
			i.logger.Warn("Malformed stream line, skipping", slog.String("line", line))
			continue
		}

		switch prefix {
		case isekPartChunk:
			var chunk models.Chunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				yield(models.Chunk{}, fmt.Errorf("failed to decode chunk: %w", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		case isekPartError:
			var msg string
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				msg = payload
			}
			yield(models.Chunk{}, errors.New(msg))
			return
		case isekPartFinish:
			var finish isekFinish
			if err := json.Unmarshal([]byte(payload), &finish); err == nil {
				i.logger.Debug("Stream finished", slog.String("reason", finish.FinishReason))
			}
			return
		default:
			i.logger.Debug("Unhandled stream part", slog.String("prefix", prefix))
		}
	}
	if err := scanner.Err(); err != nil {
		yield(models.Chunk{}, fmt.Errorf("failed to read stream: %w", err))
	}
}

func (i Isek) readEvents(r io.Reader, yield func(models.Chunk, error) bool) {
	cfg := &sse.ReadConfig{MaxEventSize: isekMaxLineSize}
	for ev, err := range sse.Read(r, cfg) {
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to read event: %w", err))
			return
		}
		if ev.Data == isekDoneEvent {
			return
		}
		if ev.Type == "error" {
			yield(models.Chunk{}, errors.New(ev.Data))
			return
		}

		var chunk models.Chunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to decode chunk: %w", err))
			return
		}
		if !yield(chunk, nil) {
			return
		}
	}
}

func (i Isek) getJSON(ctx context.Context, path string, v any) error {
	resp, err := i.do(ctx, http.MethodGet, path, nil, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (i Isek) do(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, i.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp, nil
}
