package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the LLM interface for interacting with OpenRouter's language models.
type OpenRouter struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role      string                `json:"role"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []openRouterToolCalls `json:"tool_calls,omitempty"`
}

type openRouterToolCalls struct {
	Index    *int                       `json:"index,omitempty"`
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Function openRouterToolCallFunction `json:"function"`
}

type openRouterToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key, model name, and system prompt.
// An empty endpoint uses the OpenRouter API.
func NewOpenRouter(apiKey, endpoint, model, systemPrompt string, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		endpoint:     strings.TrimRight(endpoint, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Chat streams responses from the OpenRouter API for the given history. Text deltas are yielded as
// they arrive and tool calls once the stream ends. The context can be used to cancel ongoing requests.
func (o OpenRouter) Chat(ctx context.Context, history []models.HistoryEntry) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := o.doRequest(ctx, history, o.systemPrompt, true)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		var calls []models.Chunk
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				break
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}
			delta := res.Choices[0].Delta

			for _, tc := range delta.ToolCalls {
				idx := len(calls)
				switch {
				case tc.Index != nil:
					idx = *tc.Index
				case tc.ID == "" && len(calls) > 0:
					idx = len(calls) - 1
				}
				for len(calls) <= idx {
					calls = append(calls, models.Chunk{Type: models.ChunkTypeFunctionCall})
				}
				if tc.ID != "" {
					calls[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					calls[idx].Name = tc.Function.Name
				}
				calls[idx].Arguments = append(calls[idx].Arguments, tc.Function.Arguments...)
			}

			if delta.Content != "" {
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: delta.Content}, nil) {
					return
				}
			}
		}

		for _, call := range calls {
			call.Arguments = argumentsJSON(string(call.Arguments))
			o.logger.Debug("Tool call",
				slog.String("name", call.Name),
				slog.String("args", string(call.Arguments)),
			)
			if !yield(call, nil) {
				return
			}
		}
	}
}

// GenerateTitle generates a title for a given message using the OpenRouter API. It sends a single message to the
// OpenRouter API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o OpenRouter) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []models.HistoryEntry{{Role: models.RoleUser, Content: message}}

	resp, err := o.doRequest(ctx, msgs, titlePrompt, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	history []models.HistoryEntry,
	systemPrompt string,
	stream bool,
) (*http.Response, error) {
	msgs := make([]openRouterMessage, 0, len(history)+1)
	for _, h := range history {
		if h.Content != "" {
			msgs = append(msgs, openRouterMessage{
				Role:    string(h.Role),
				Content: h.Content,
			})
		}
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, openRouterMessage{
			Role:    "system",
			Content: systemPrompt,
		})
	}

	reqBody := openRouterChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/isek-web-ui/")
	req.Header.Set("X-Title", "ISEK Web UI")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
