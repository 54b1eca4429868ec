// Package llms contains the provider-neutral LLM contract and the concrete
// provider implementations (OpenAI, Anthropic, Google).
package llms

import (
	"context"
	"strings"
)

// ============================================================================
// CORE TYPES
// ============================================================================

// Message represents one turn of a conversation in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	RawArgs   string         `json:"-"`
}

// StreamChunk is the tagged union produced by streaming generation.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Error    error
}

// GenerateOptions shape a single generation call.
type GenerateOptions struct {
	MaxTokens int
	// JSONMode asks the provider for a JSON object response where supported.
	JSONMode bool
}

// LLMProvider is the interface all providers implement.
type LLMProvider interface {
	// Generate produces a complete response for the conversation.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (string, []ToolCall, int, error)

	// GenerateStreaming produces a channel of chunks for the conversation.
	// The channel is closed after a "done" or "error" chunk.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (<-chan StreamChunk, error)

	// GetModelName returns the model identifier this provider calls.
	GetModelName() string

	// Close releases provider resources.
	Close() error
}

// ============================================================================
// PROVIDER INFERENCE
// ============================================================================

// Provider family identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// InferProvider derives the provider family from a model name prefix.
// Unrecognised names default to the OpenAI family, which also covers
// OpenAI-compatible hosts.
func InferProvider(model string) string {
	name := strings.ToLower(strings.TrimPrefix(model, "models/"))
	switch {
	case strings.HasPrefix(name, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(name, "gemini"):
		return ProviderGoogle
	case strings.HasPrefix(name, "gpt"),
		strings.HasPrefix(name, "o1"),
		strings.HasPrefix(name, "o3"),
		strings.HasPrefix(name, "o4"),
		strings.HasPrefix(name, "chatgpt"):
		return ProviderOpenAI
	default:
		return ProviderOpenAI
	}
}
