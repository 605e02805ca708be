// Package compute abstracts the third-party providers workers call to do
// the actual work. The call may block for an unbounded external duration;
// it is the worker's only true I/O-bound suspension point and is never
// cancelled once started, other than by its context.
package compute

import "context"

// Request is one opaque compute invocation.
type Request struct {
	// Model is the variant to run, e.g. "openai/gpt-4o". Empty means the
	// provider's configured default.
	Model string
	// Prompt is the fully resolved prompt text.
	Prompt string
}

// Provider executes compute requests.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
