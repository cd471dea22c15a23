package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, messages []Message) (*Response, error)

	// Stream sends a request and returns a channel of incremental deltas.
	// The channel is closed when the response ends; a failure after the
	// stream has started arrives as a final Delta with Err set.
	Stream(ctx context.Context, messages []Message) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
