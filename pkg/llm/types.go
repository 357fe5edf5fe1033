package llm

import "encoding/json"

// Message represents a chat message in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Tools      []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall contains the function name and arguments for a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool describes a tool that can be provided to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes a callable function including its parameters schema.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChunkKind discriminates streaming chunk variants.
type ChunkKind string

const (
	ChunkTextStart      ChunkKind = "text-start"
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkTextEnd        ChunkKind = "text-end"
	ChunkReasoningStart ChunkKind = "reasoning-start"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkReasoningEnd   ChunkKind = "reasoning-end"
	ChunkToolInputStart ChunkKind = "tool-input-start"
	ChunkToolInputDelta ChunkKind = "tool-input-delta"
	ChunkToolCall       ChunkKind = "tool-call"
	ChunkError          ChunkKind = "error"
	ChunkFinish         ChunkKind = "finish"
)

// Chunk is one incremental streaming update. Exactly one variant is set,
// selected by Kind. A stream always ends with either a finish chunk carrying
// usage or an error chunk, after which the channel closes.
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	// Text carries delta content for text, reasoning, and tool-input deltas.
	Text string `json:"text,omitempty"`

	// ToolCallID and ToolName identify the call for tool-input chunks.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// ToolCall is the fully assembled call, set on tool-call chunks.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Usage and FinishReason are set on finish chunks.
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	Err error `json:"-"`
}
