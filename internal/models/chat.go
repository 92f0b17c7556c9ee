package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatSession identifies a conversation with one agent. The ID and AgentID are assigned by the backend
// and never change; the remaining fields are only used by the session list view.
type ChatSession struct {
	ID           string `json:"id"`
	AgentID      string `json:"agentId"`
	Title        string `json:"title,omitempty"`
	AgentName    string `json:"agentName,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// Message is a display message. A message without an ID has not been persisted by the backend yet,
// which is how the stream assembler finds the reply it is currently building.
type Message struct {
	ID    string
	Role  Role
	Parts []Part
}

// Part is one display segment of a message. The JSON tags follow the segment shape the backend stores,
// so stored segment arrays decode into parts without translation.
type Part struct {
	Type PartType `json:"type"`

	// Text would be filled if Type is PartTypeText.
	Text string `json:"text,omitempty"`

	// ToolCallID, ToolName, Args and ArgsText would be filled if Type is PartTypeToolCall.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	ArgsText   string          `json:"argsText,omitempty"`

	// Raw holds the original segment for parts that are passed through untouched, such as
	// PartTypeUIComponent.
	Raw json.RawMessage `json:"-"`
}

// Role represents the role of a message participant.
type Role string

// PartType represents the type of a message part.
type PartType string

// HistoryEntry is the flattened form of a message sent back to the backend with every request.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const (
	// RoleUser represents a user message. A message with this role would only contain one text part.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, which may contain text and tool-call parts.
	RoleAssistant Role = "assistant"

	// PartTypeText represents text content.
	PartTypeText PartType = "text"
	// PartTypeToolCall represents a tool invocation rendered as a card.
	PartTypeToolCall PartType = "tool-call"
	// PartTypeUIComponent represents an opaque UI segment stored by the backend.
	PartTypeUIComponent PartType = "ui_component"

	// LoadingSpinnerTool is both the tool name and the tool call ID of the placeholder part shown while
	// waiting for the first chunk of a reply.
	LoadingSpinnerTool = "loading-spinner"
)

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ToolCallPart returns a tool-call part whose ArgsText is derived from args.
func ToolCallPart(id, name string, args json.RawMessage) Part {
	return Part{
		Type:       PartTypeToolCall,
		ToolCallID: id,
		ToolName:   name,
		Args:       args,
		ArgsText:   ArgsText(args),
	}
}

// LoadingPart returns the placeholder part of a reply that has not received any chunk yet.
func LoadingPart() Part {
	return ToolCallPart(LoadingSpinnerTool, LoadingSpinnerTool, json.RawMessage("{}"))
}

// IsLoading reports whether p is the loading placeholder.
func (p Part) IsLoading() bool {
	return p.Type == PartTypeToolCall && p.ToolName == LoadingSpinnerTool
}

// ArgsText renders tool arguments for display. String arguments are shown as they are, anything else
// is indented JSON.
func ArgsText(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(args, &s); err == nil {
		return s
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, args, "", "  "); err != nil {
		return string(args)
	}
	return pretty.String()
}

// NewTextMessage returns an unsaved message holding a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// Text returns the text of the first part if it is a text part, or an empty string otherwise.
func (m Message) Text() string {
	if len(m.Parts) == 0 || m.Parts[0].Type != PartTypeText {
		return ""
	}
	return m.Parts[0].Text
}

// IsLoading reports whether the message still shows the loading placeholder as its first part.
func (m Message) IsLoading() bool {
	return len(m.Parts) > 0 && m.Parts[0].IsLoading()
}

// Clone returns a copy of m that shares no part slice with it.
func (m Message) Clone() Message {
	c := m
	c.Parts = append([]Part(nil), m.Parts...)
	return c
}

// CloneMessages copies a message list, see Message.Clone.
func CloneMessages(msgs []Message) []Message {
	res := make([]Message, len(msgs))
	for i, msg := range msgs {
		res[i] = msg.Clone()
	}
	return res
}

// FlattenHistory converts display messages into the history format expected by the backend.
func FlattenHistory(msgs []Message) []HistoryEntry {
	res := make([]HistoryEntry, len(msgs))
	for i, msg := range msgs {
		res[i] = HistoryEntry{
			Role:    msg.Role,
			Content: msg.Text(),
		}
	}
	return res
}

// UpsertToolCall returns a new part list where p replaces the tool-call part with the same ToolCallID,
// keeping its position, or is appended if there is no such part.
func UpsertToolCall(parts []Part, p Part) []Part {
	res := append([]Part(nil), parts...)
	for i, existing := range res {
		if existing.Type == PartTypeToolCall && existing.ToolCallID == p.ToolCallID {
			res[i] = p
			return res
		}
	}
	return append(res, p)
}

// RenderParts renders parts into plain text, tool calls are rendered as their name and arguments.
func RenderParts(parts []Part) string {
	var sb strings.Builder
	for _, part := range parts {
		switch part.Type {
		case PartTypeText:
			if part.Text == "" {
				continue
			}
			sb.WriteString(part.Text)
		case PartTypeToolCall:
			if part.IsLoading() {
				continue
			}
			sb.WriteString("\n\n")
			sb.WriteString(fmt.Sprintf("Calling Tool: %s\n", part.ToolName))
			if part.ArgsText != "" {
				sb.WriteString(fmt.Sprintf("```json\n%s\n```\n", part.ArgsText))
			}
		case PartTypeUIComponent:
			sb.WriteString("\n\n[ui component]\n")
		}
	}
	return sb.String()
}
