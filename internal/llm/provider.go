// Package llm adapts an OpenAI-compatible model provider into the two call
// shapes the analysis pipeline needs: free-text generation with optional
// incremental delivery, and schema-validated structured generation with
// output recovery.
package llm

import (
	"context"
	"encoding/json"
)

// Schema is a named JSON Schema attached to a structured request.
type Schema struct {
	Name string
	JSON json.RawMessage
}

// Request is one provider call.
type Request struct {
	System string
	Prompt string
	// Schema asks the provider for JSON output; nil for free text.
	Schema *Schema
}

// Provider performs raw model calls. Implementations return the generated
// text untrimmed; adapters own trimming and parsing.
type Provider interface {
	// Complete performs a non-streaming call.
	Complete(ctx context.Context, req Request) (string, error)
	// Stream performs a streaming call, invoking onDelta for each text
	// fragment in emission order when onDelta is non-nil, and returns the
	// concatenation of all fragments.
	Stream(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// DeltaSink receives incremental text. A nil sink disables incremental
// delivery without changing the returned text.
type DeltaSink func(delta string)
