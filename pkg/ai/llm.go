package ai

import "context"

// Role tags one chat message for the LLM transport.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the LLM conversation.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Chunk is one streamed piece of model output: either text or, on the
// final chunk of a tool-calling response, the accumulated tool calls.
type Chunk struct {
	Text      string
	ToolCalls []ToolCall
}

// LLMClient is the streaming LLM transport.
type LLMClient interface {
	// GenerateStream issues a streaming completion. Chunks arrive in model
	// order; the error channel delivers at most one terminal error after
	// the chunk channel closes.
	GenerateStream(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Chunk, <-chan error)

	// Generate issues a non-streaming completion and returns the full text.
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Encoder is the batch embedding transport.
type Encoder interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}
