package services

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat implements the LLM interface by streaming responses from the Ollama model. Text is yielded as
// it is generated. Ollama reports tool calls whole, so each becomes one function_call chunk with a
// generated ID.
func (o Ollama) Chat(ctx context.Context, history []models.HistoryEntry) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		msgs := make([]api.Message, 0, len(history)+1)
		for _, h := range history {
			msgs = append(msgs, api.Message{
				Role:    string(h.Role),
				Content: h.Content,
			})
		}
		if o.systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, api.Message{
				Role:    "system",
				Content: o.systemPrompt,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Message.Content != "" {
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: res.Message.Content}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			for _, tc := range res.Message.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					return fmt.Errorf("error marshaling tool arguments: %w", err)
				}
				if !yield(models.Chunk{
					Type:      models.ChunkTypeFunctionCall,
					ID:        "call_" + uuid.New().String(),
					Name:      tc.Function.Name,
					Arguments: args,
				}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It sends a single message to the
// Ollama API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: titlePrompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
