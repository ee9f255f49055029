// Package capability defines the collaborator interfaces the asking pipeline
// depends on (LLM generation, embedding, SQL dry-run/execution, vector
// search) and concrete HTTP implementations of each.
//
// The pipeline never talks to a provider directly: every step declares the
// interfaces it needs and receives them from a Registry at construction.
package capability

import (
	"context"
	"errors"
	"fmt"
)

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CompleteOptions tunes a single generation call.
type CompleteOptions struct {
	// ResponseSchema, when set, asks the provider for a JSON object reply
	// matching the schema (OpenAI json_schema response format).
	ResponseSchema []byte
	Temperature    float32
	MaxTokens      int
}

// Generator produces a completion for a prompt. Provider failures and
// timeouts come back as *CallError, never as plain strings, so the caller
// can distinguish them from semantic validation failures.
type Generator interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
}

// ValidationKind classifies a dry-run rejection.
type ValidationKind string

const (
	ValidationSyntax    ValidationKind = "syntax"
	ValidationExecution ValidationKind = "execution"
)

// ValidationError is a structured dry-run failure. It is a semantic signal
// consumed by the correction loop, not a capability outage.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Detail)
}

// Row is one result row from Execute, keyed by column name.
type Row map[string]any

// QueryEngine validates and executes SQL against the deployed schema.
type QueryEngine interface {
	// DryRun returns nil when the SQL is valid, *ValidationError when the
	// engine rejected it, and *CallError when the engine was unreachable.
	DryRun(ctx context.Context, sql string) error
	Execute(ctx context.Context, sql string, limit int) ([]Row, error)
}

// ScoredDocument is one ranked item from a similarity search.
type ScoredDocument struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// DocumentStore answers top-k similarity queries against a named index.
type DocumentStore interface {
	Search(ctx context.Context, index string, vector []float32, topK int) ([]ScoredDocument, error)
}

// CallKind classifies a capability failure.
type CallKind string

const (
	CallKindProvider CallKind = "provider"
	CallKindTimeout  CallKind = "timeout"
)

// CallError is a capability-level failure: the collaborator itself broke or
// timed out. These are fatal to a task; the correction loop never retries
// them.
type CallError struct {
	Capability string // "generator", "embedder", "engine", "doc_store"
	Kind       CallKind
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Capability, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a capability timeout.
func IsTimeout(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == CallKindTimeout
}

// AsCallError extracts a *CallError if err carries one.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
