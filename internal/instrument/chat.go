// Package instrument wraps real LLM provider SDKs so that every chat
// completion automatically produces a model_called/model_result event
// pair instead of the application having to emit them by hand.
package instrument

import "context"

// Standard role constants, mirrored from the provider chat APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a chat conversation.
type Message struct {
	Role    string
	Content string
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// Usage carries token accounting for a single completion, when the
// provider reports it.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// ChatResult is a provider-agnostic chat completion outcome.
type ChatResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// ChatModel is implemented by each provider adapter (anthropic, openai,
// google). Provider/ModelID/APIVersion identify the model for the
// model_called/model_result payload fields; Chat performs the call.
type ChatModel interface {
	Provider() string
	ModelID() string
	APIVersion() string
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResult, error)
}
