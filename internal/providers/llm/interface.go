// Package llm wraps the hosted language models used by the LLM extractor and
// the LLM reviewer behind one small interface.
package llm

import (
	"context"
)

// Client is a minimal interface used by the extractor and reviewer.
// Any provider implementation should satisfy this.
type Client interface {
	// GenerateJSON sends a prompt that asks for a JSON-only answer and
	// returns the raw reply. Callers parse and validate it.
	GenerateJSON(ctx context.Context, prompt string) (string, error)
	GenerateText(ctx context.Context, prompt string) (string, error)
	Name() string
}
