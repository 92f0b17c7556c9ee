package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, system prompt and
// maximum token limit. An empty endpoint uses the Anthropic API.
func NewAnthropic(apiKey, endpoint, model, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     strings.TrimRight(endpoint, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// anthropicMessages drops empty entries and merges consecutive entries of the same role, since the
// messages API requires non-empty content and alternating roles.
func anthropicMessages(history []models.HistoryEntry) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(history))
	for _, h := range history {
		if h.Content == "" {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == string(h.Role) {
			msgs[n-1].Content += "\n\n" + h.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: string(h.Role), Content: h.Content})
	}
	return msgs
}

// Chat streams responses from the Anthropic API for the given history and yields text chunks. The
// context can be used to cancel ongoing requests.
func (a Anthropic) Chat(ctx context.Context, history []models.HistoryEntry) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := a.doRequest(ctx, anthropicMessages(history), a.systemPrompt, true)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Chunk{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: res.Delta.Text}, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// GenerateTitle asks the model for a short title of message.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []anthropicMessage{{Role: string(models.RoleUser), Content: message}}

	resp, err := a.doRequest(ctx, msgs, titlePrompt, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	for _, c := range res.Content {
		if c.Type == "text" {
			return c.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

func (a Anthropic) doRequest(
	ctx context.Context,
	msgs []anthropicMessage,
	system string,
	stream bool,
) (*http.Response, error) {
	jsonBody, err := json.Marshal(anthropicChatRequest{
		Model:     a.model,
		Messages:  msgs,
		System:    system,
		MaxTokens: a.maxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	a.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
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
