// Package convo holds the conversation model: messages, tool calls,
// and the bounded Context that enforces token and message caps with
// pair-preserving compaction.
package convo

import "encoding/json"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a conversation context.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"` // vision: base64 images
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" responses
}

// ImageContent is a base64-encoded image for vision-capable engines.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// ToolCall is a tool invocation requested by the engine. IDs are unique
// within a context; every tool message answering the call carries the
// same id in ToolCallID.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (m Message) clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	if len(m.Images) > 0 {
		out.Images = make([]ImageContent, len(m.Images))
		copy(out.Images, m.Images)
	}
	return out
}

// CharsPerToken is the crude estimation divisor (~4 chars per token).
const CharsPerToken = 4

// messageChars counts the characters that reach the engine: text
// content, tool-call names and their argument JSON, and tool-result
// text.
func messageChars(m Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name)
		if tc.Arguments != nil {
			if b, err := json.Marshal(tc.Arguments); err == nil {
				n += len(b)
			}
		}
	}
	return n
}

func tokensFor(chars int) int {
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateTokens approximates the token cost of a message list.
func EstimateTokens(msgs []Message) int {
	chars := 0
	for _, m := range msgs {
		chars += messageChars(m)
	}
	return tokensFor(chars)
}
