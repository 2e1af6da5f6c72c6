// Package embedding converts text units into fixed-length float vectors.
package embedding

import "context"

// Provider is the interface all embedding backends must implement.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns the provider identifier (e.g. "openai", "gemini").
	Name() string
}
