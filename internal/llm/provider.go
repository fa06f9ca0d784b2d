package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is a single function-call the model asked the caller to run.
type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

// Message is a single turn in a conversation exchanged with a chat model.
type Message struct {
	Role string // "system" | "user" | "assistant" | "tool"

	// AgentID identifies which registry agent authored this message. Empty
	// for user/system/tool messages.
	AgentID string

	Content string
	ToolID  string
	// ToolCalls are only set on assistant messages.
	ToolCalls []ToolCall
}

// ToolSchema describes a tool the model may choose to call.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives incremental output from a streaming Chat call.
type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

// ChatOptions controls optional per-call generation parameters. The zero
// value means "use the provider's own default" for each field.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// Provider is the external chat-model service collaborator. THE CORE depends
// only on this interface; concrete providers (HTTP clients against a specific
// vendor API) live outside the core packages.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, opts ChatOptions, h StreamHandler) error
}
