// Package agentloop implements the Agent Orchestration Loop (C8): a
// resumable handler (built atop runtime/handler's C6 protocol) whose durable
// context is the Agent Context of spec.md §3.3, running the cognitive loop
// of §4.8 with priority-based tool batching and permission-manager gating
// per §4.8.1.
package agentloop

import "encoding/json"

// MessageType discriminates the typed message kinds of spec.md §3.3.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageMedia      MessageType = "media"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
)

// MessageRole distinguishes who produced a message, mirroring the roles a
// model provider SDK expects on the wire.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Media describes an image/file descriptor carried by a media message.
type Media struct {
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

// ToolResultContent is the payload of a tool_result message. Err is set
// instead of Data when the tool invocation failed (spec.md §7: dependency
// and validation errors are serialized as a tool_result and fed back to the
// LLM rather than raised as handler errors).
type ToolResultContent struct {
	Data json.RawMessage `json:"data,omitempty"`
	Err  *ToolError      `json:"error,omitempty"`
}

// ToolError is the `{type, name, message}` shape spec.md §7 mandates for
// dependency and validation errors surfaced to the LLM.
type ToolError struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Message is one entry of the Agent Context's conversation history. Each
// carries a SeenCount, incremented every time it is presented to the LLM, so
// integrations can substitute a placeholder for large media payloads once
// SeenCount>0.
type Message struct {
	Type MessageType `json:"type"`
	Role MessageRole `json:"role"`

	// Text holds the body for MessageText.
	Text string `json:"text,omitempty"`
	// MediaContent holds the descriptor for MessageMedia.
	MediaContent *Media `json:"media,omitempty"`
	// ToolUseID correlates MessageToolUse and MessageToolResult to the
	// originating tool call (and, for arvo tools, the emitted event's ID).
	ToolUseID string `json:"toolUseId,omitempty"`
	// Name is the invoked tool's name, set on MessageToolUse.
	Name string `json:"name,omitempty"`
	// Input is the tool call's arguments, set on MessageToolUse.
	Input json.RawMessage `json:"input,omitempty"`
	// Result is the tool_result payload, set on MessageToolResult.
	Result *ToolResultContent `json:"result,omitempty"`

	SeenCount int `json:"seenCount"`
}

func text(role MessageRole, body string) Message {
	return Message{Type: MessageText, Role: role, Text: body}
}
