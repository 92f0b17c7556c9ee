package models

import "encoding/json"

// Chunk is one incremental piece of a streamed reply.
type Chunk struct {
	Type ChunkType `json:"type"`

	// Text would be filled if Type is ChunkTypeText.
	Text string `json:"text,omitempty"`

	// ID, Name and Arguments would be filled if Type is ChunkTypeFunctionCall.
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// ToolCallID, ToolName and Args would be filled if Type is ChunkTypeToolCall.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ChunkType is the tag of a Chunk.
type ChunkType string

const (
	// ChunkTypeText carries a text delta.
	ChunkTypeText ChunkType = "text"
	// ChunkTypeFunctionCall carries a complete function call, appended as a new tool-call part.
	ChunkTypeFunctionCall ChunkType = "function_call"
	// ChunkTypeToolCall carries the latest state of a tool call, upserted by its ID.
	ChunkTypeToolCall ChunkType = "tool-call"
)

// ToolCallPart converts a function_call or tool-call chunk into a tool-call part. Team-formation
// arguments of tool-call chunks are enriched with their defaults. It returns false for text chunks
// and unknown tags.
func (c Chunk) ToolCallPart() (Part, bool) {
	switch c.Type {
	case ChunkTypeFunctionCall:
		return ToolCallPart(c.ID, c.Name, c.Arguments), true
	case ChunkTypeToolCall:
		args := c.Args
		if c.ToolName == TeamFormationTool {
			args = EnrichTeamFormation(args)
		}
		return ToolCallPart(c.ToolCallID, c.ToolName, args), true
	}
	return Part{}, false
}
