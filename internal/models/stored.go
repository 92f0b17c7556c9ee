package models

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// StoredMessage is a message as persisted by the backend. Content is either a string, an object
// with text and tool_calls fields, or an array of segments, depending on which component wrote it.
// ToolInvocations and Tool are legacy fields still present on older records.
type StoredMessage struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId,omitempty"`
	Role            Role            `json:"role"`
	Content         json.RawMessage `json:"content"`
	Timestamp       string          `json:"timestamp,omitempty"`
	ToolInvocations json.RawMessage `json:"toolInvocations,omitempty"`
	Tool            json.RawMessage `json:"tool,omitempty"`
}

// StoredToolCall is the function-call shape used inside stored content objects and toolInvocations.
type StoredToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function StoredFunctionCall `json:"function"`
}

// StoredFunctionCall is the function descriptor of a StoredToolCall.
type StoredFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NormalizeHistory converts stored messages into display messages, see NormalizeMessage.
func NormalizeHistory(stored []StoredMessage) []Message {
	msgs := make([]Message, 0, len(stored))
	for _, sm := range stored {
		msgs = append(msgs, NormalizeMessage(sm))
	}
	return msgs
}

// NormalizeMessage converts a stored message into a display message.
//
// User messages always become a single text part. Assistant content is read according to its shape:
// segment arrays are passed through, objects contribute a text part and one tool-call part per
// tool_calls entry, and bare strings become a text part. Legacy toolInvocations and tool fields then
// add further tool-call parts.
func NormalizeMessage(sm StoredMessage) Message {
	content := gjson.ParseBytes(sm.Content)

	if sm.Role != RoleAssistant {
		return Message{
			ID:    sm.ID,
			Role:  sm.Role,
			Parts: []Part{TextPart(content.String())},
		}
	}

	var parts []Part
	switch {
	case content.IsArray():
		parts = segmentParts(content)
	case content.IsObject():
		if text := content.Get("text"); text.Type == gjson.String {
			parts = append(parts, TextPart(text.Str))
		}
		if calls := content.Get("tool_calls"); calls.IsArray() {
			for _, call := range calls.Array() {
				name := firstTruthy(call, "function.name", "name")
				args := firstTruthy(call, "function.arguments", "arguments")
				parts = append(parts, ToolCallPart(call.Get("id").String(), name.String(), rawArgs(args)))
			}
		}
	case content.Type == gjson.String:
		parts = append(parts, TextPart(content.Str))
	}

	if invocations := gjson.ParseBytes(sm.ToolInvocations); invocations.IsArray() {
		for _, call := range invocations.Array() {
			parts = append(parts, invocationPart(call))
		}
	}

	if tool := gjson.ParseBytes(sm.Tool); tool.IsObject() {
		if part, err := legacyToolPart(tool); err == nil {
			parts = append(parts, part)
		}
	}

	return Message{
		ID:    sm.ID,
		Role:  sm.Role,
		Parts: parts,
	}
}

func segmentParts(content gjson.Result) []Part {
	segments := content.Array()
	parts := make([]Part, 0, len(segments))
	for _, seg := range segments {
		var part Part
		err := json.Unmarshal([]byte(seg.Raw), &part)
		// Segments that do not decode as text or a tool call are kept as opaque parts, so the display
		// keeps the same number of parts.
		if err != nil || (part.Type != PartTypeText && part.Type != PartTypeToolCall) {
			part = Part{Type: PartTypeUIComponent}
		}
		part.Raw = json.RawMessage(seg.Raw)
		parts = append(parts, part)
	}
	return parts
}

func invocationPart(call gjson.Result) Part {
	name := firstTruthy(call, "function.name", "name").String()
	if name == "" {
		name = "unknown"
	}
	args := rawArgs(firstTruthy(call, "function.arguments", "arguments"))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if name == TeamFormationTool {
		args = EnrichTeamFormation(args)
	}
	return ToolCallPart(call.Get("id").String(), name, args)
}

func legacyToolPart(tool gjson.Result) (Part, error) {
	args := map[string]any{}
	if input := tool.Get("input"); input.IsObject() {
		if err := json.Unmarshal([]byte(input.Raw), &args); err != nil {
			return Part{}, fmt.Errorf("failed to unmarshal tool input: %w", err)
		}
	}
	args["status"] = tool.Get("status").Value()
	args["progress"] = 0.0
	if p := tool.Get("progress"); truthy(p) {
		args["progress"] = p.Value()
	}
	args["currentStep"] = ""
	if s := tool.Get("currentStep"); truthy(s) {
		args["currentStep"] = s.Value()
	}
	args["members"] = []any{}
	if m := tool.Get("members"); truthy(m) {
		args["members"] = m.Value()
	}

	b, err := json.Marshal(args)
	if err != nil {
		return Part{}, fmt.Errorf("failed to marshal tool args: %w", err)
	}

	name := tool.Get("type").String()
	if name == TeamFormationTool {
		b = EnrichTeamFormation(b)
	}
	return ToolCallPart("", name, b), nil
}

// firstTruthy returns the first path whose value is truthy, or an empty result.
func firstTruthy(r gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := r.Get(path); truthy(v) {
			return v
		}
	}
	return gjson.Result{}
}

func truthy(r gjson.Result) bool {
	if !r.Exists() {
		return false
	}
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	}
	return true
}

func rawArgs(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}
