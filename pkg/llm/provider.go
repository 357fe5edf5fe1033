package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// IsConfigured reports whether the provider has enough configuration to
	// serve requests. The orchestrator rejects streams on unconfigured
	// providers before touching any session state.
	IsConfigured() bool

	// ModelDetails returns static limits for the configured model.
	ModelDetails() ModelDetails

	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat completion request and returns a channel of chunks.
	// The channel is closed after a terminal finish or error chunk. One
	// Stream call corresponds to one step.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Chunk, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// IsConfigured reports whether the minimum fields for issuing requests are
// present.
func (c *Config) IsConfigured() bool {
	return c != nil && c.BaseURL != "" && c.Model != ""
}

// ModelDetails describes static per-model limits used for context budgeting.
type ModelDetails struct {
	ContextLength   int     `json:"context_length"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	InputCostPer1M  float64 `json:"input_cost_per_1m"`
	OutputCostPer1M float64 `json:"output_cost_per_1m"`
}

// DefaultModelDetails is used when the model is not in the details table.
// 128k context is the common floor for current chat models.
var DefaultModelDetails = ModelDetails{
	ContextLength:   128_000,
	MaxOutputTokens: 16_384,
}
