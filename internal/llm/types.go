// Package llm provides a uniform synchronous and streaming interface over
// the configured model providers.
package llm

import (
	"errors"
	"fmt"
)

// Provider names recognized by the gateway.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// Request describes a single model invocation. Provider and Model may be
// empty; the gateway resolves them from the process configuration at call
// time.
type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Tools       []ToolSchema
}

// ToolSchema declares a tool the model may call. Parameters is a JSON schema
// object describing the tool inputs.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a structured tool invocation request emitted by the model.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Chunk is one element of a streaming response. The terminal chunk carries
// Final=true and the complete tool-call list (possibly empty). Non-terminal
// chunks carry text only.
type Chunk struct {
	Text      string
	Final     bool
	ToolCalls []ToolCall
}

// EmitFunc receives chunks in emission order. Returning an error stops the
// stream; the error is propagated to the caller.
type EmitFunc func(Chunk) error

// Sentinel errors for provider failure classes. The gateway performs no
// retries; callers decide.
var (
	// ErrRateLimited marks a provider rate-limit rejection.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrTimeout marks a request that exceeded the configured provider timeout.
	ErrTimeout = errors.New("llm: request timed out")
)

// ProviderError wraps a provider-side failure that is neither a rate limit
// nor a timeout.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm: provider %s failed with status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("llm: provider %s failed: %s", e.Provider, e.Message)
}

// StreamError wraps a failure that occurred after streaming began. Partial
// holds the text accumulated before the failure.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("llm: stream failed after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
