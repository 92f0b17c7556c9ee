package services

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/google/uuid"
)

// LLM streams a reply to a conversation. Providers yield text chunks and function_call chunks.
type LLM interface {
	Chat(ctx context.Context, history []models.HistoryEntry) iter.Seq2[models.Chunk, error]
}

// TitleGenerator produces a short session title from the first user message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// LLMParameters are the optional sampling parameters passed to the providers that support them.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	Seed             *int           `yaml:"seed"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	LogitBias        map[string]int `yaml:"logitBias"`
	Logprobs         *bool          `yaml:"logprobs"`
	TopLogprobs      *int           `yaml:"topLogprobs"`
}

// Local is a chat backend that keeps sessions in BoltDB and asks an LLM provider directly, for running
// the UI without an ISEK node. Messages are stored in the same shape the ISEK backend returns them.
type Local struct {
	store    BoltDB
	llm      LLM
	titleGen TitleGenerator

	titleTimeout time.Duration

	logger *slog.Logger
}

type localAssistantContent struct {
	Text      string                  `json:"text"`
	ToolCalls []models.StoredToolCall `json:"tool_calls,omitempty"`
}

// NewLocal creates a Local backend. titleGen may be nil, in which case sessions keep their given title.
func NewLocal(store BoltDB, llm LLM, titleGen TitleGenerator, logger *slog.Logger) Local {
	return Local{
		store:        store,
		llm:          llm,
		titleGen:     titleGen,
		titleTimeout: 30 * time.Second,
		logger:       logger.With(slog.String("module", "local")),
	}
}

// Sessions returns the stored sessions, newest first.
func (l Local) Sessions(ctx context.Context) ([]models.ChatSession, error) {
	return l.store.Sessions(ctx)
}

// CreateSession stores a new session bound to agentID.
func (l Local) CreateSession(ctx context.Context, agentID, title string) (models.ChatSession, error) {
	now := time.Now().Format(time.RFC3339)
	session := models.ChatSession{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Title:     title,
		AgentName: agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	id, err := l.store.AddSession(ctx, session)
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to add session: %w", err)
	}
	session.ID = id
	return session, nil
}

// Messages returns the stored history of a session.
func (l Local) Messages(ctx context.Context, sessionID string) ([]models.StoredMessage, error) {
	return l.store.Messages(ctx, sessionID)
}

// SendMessageStream stores the user text, streams the LLM reply and stores the reply once the stream
// completes. Failed or cancelled replies are not stored.
func (l Local) SendMessageStream(
	ctx context.Context,
	text, sessionID, _ string,
	history []models.HistoryEntry,
) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		session, err := l.store.Session(ctx, sessionID)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to get session %s: %w", sessionID, err))
			return
		}

		userMsg, err := textMessage(models.RoleUser, text)
		if err != nil {
			yield(models.Chunk{}, err)
			return
		}
		if _, err := l.store.AddMessage(ctx, sessionID, userMsg); err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to add user message: %w", err))
			return
		}

		var reply localAssistantContent
		var sb strings.Builder
		for chunk, err := range l.llm.Chat(ctx, ensureUserText(history, text)) {
			if err != nil {
				yield(models.Chunk{}, err)
				return
			}
			switch chunk.Type {
			case models.ChunkTypeText:
				sb.WriteString(chunk.Text)
			case models.ChunkTypeFunctionCall:
				reply.ToolCalls = append(reply.ToolCalls, models.StoredToolCall{
					ID:   chunk.ID,
					Type: "function",
					Function: models.StoredFunctionCall{
						Name:      chunk.Name,
						Arguments: chunk.Arguments,
					},
				})
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		reply.Text = sb.String()

		content, err := json.Marshal(reply)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to marshal reply: %w", err))
			return
		}
		assistantMsg := models.StoredMessage{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			Content:   content,
			Timestamp: time.Now().Format(time.RFC3339),
		}
		if _, err := l.store.AddMessage(ctx, sessionID, assistantMsg); err != nil {
			yield(models.Chunk{}, fmt.Errorf("failed to add assistant message: %w", err))
			return
		}

		session.MessageCount += 2
		session.UpdatedAt = assistantMsg.Timestamp
		if err := l.store.UpdateSession(ctx, session); err != nil {
			l.logger.Error("Failed to update session", slog.String(errLoggerKey, err.Error()))
		}
		if session.Title == "" && l.titleGen != nil {
			go l.generateTitle(session, text)
		}
	}
}

func (l Local) generateTitle(session models.ChatSession, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), l.titleTimeout)
	defer cancel()

	title, err := l.titleGen.GenerateTitle(ctx, message)
	if err != nil {
		l.logger.Error("Failed to generate title", slog.String(errLoggerKey, err.Error()))
		return
	}

	// Re-read so the update does not overwrite a newer message count.
	current, err := l.store.Session(ctx, session.ID)
	if err != nil {
		l.logger.Error("Failed to get session", slog.String(errLoggerKey, err.Error()))
		return
	}
	current.Title = strings.TrimSpace(title)
	if err := l.store.UpdateSession(ctx, current); err != nil {
		l.logger.Error("Failed to update session title", slog.String(errLoggerKey, err.Error()))
	}
}

func textMessage(role models.Role, text string) (models.StoredMessage, error) {
	content, err := json.Marshal(text)
	if err != nil {
		return models.StoredMessage{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return models.StoredMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339),
	}, nil
}

// ensureUserText returns history with text as its last user entry.
func ensureUserText(history []models.HistoryEntry, text string) []models.HistoryEntry {
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == text {
		return history
	}
	return append(history[:len(history):len(history)], models.HistoryEntry{Role: models.RoleUser, Content: text})
}

// argumentsJSON turns the raw argument string of a streamed tool call into JSON. Text that is not JSON
// is kept as a JSON string.
func argumentsJSON(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(args)
	return b
}

const errLoggerKey = "err"
