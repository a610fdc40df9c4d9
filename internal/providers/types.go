// Package providers implements LLM clients for the Anthropic and
// OpenAI-compatible APIs behind a common interface. Clients are plain
// net/http; tool use is orchestrated internally with a bounded loop.
package providers

import (
	"context"
	"errors"
)

// Provider is the LLM seam the core depends on.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// Complete returns a single text completion.
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)

	// CompleteWithTools runs a multi-turn tool conversation and returns
	// the final text. Providers without tool support return
	// ErrToolsUnsupported; callers fall back to Complete.
	CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition, registry ToolRegistry, maxTokens int) (string, error)
}

// ErrToolsUnsupported signals that the provider cannot run tool calls.
var ErrToolsUnsupported = errors.New("providers: tool use not supported")

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = errors.New("providers: empty completion")

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolHandler executes one tool call and returns its textual result.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// ToolRegistry maps tool names to handlers.
type ToolRegistry map[string]ToolHandler

// maxToolIterations bounds the tool loop so a confused model terminates.
const maxToolIterations = 8
