package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/efebarandurmaz/coderag/internal/faults"
	"github.com/efebarandurmaz/coderag/internal/observability"
)

// ErrDimensionMismatch is returned when a provider produces a vector whose
// length differs from the dimensionality pinned for the index.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder adapts a Provider to the single-text contract used by indexing
// and retrieval. It never retries; callers decide on retry policy.
type Embedder struct {
	provider Provider
	model    string

	mu   sync.Mutex
	dims int
}

// NewEmbedder creates an Embedder. dims pins the expected vector length;
// 0 pins it to the first vector observed.
func NewEmbedder(provider Provider, model string, dims int) *Embedder {
	return &Embedder{provider: provider, model: model, dims: dims}
}

// Model returns the configured model identifier.
func (e *Embedder) Model() string { return e.model }

// Dimensions returns the pinned dimensionality, or 0 if none is known yet.
func (e *Embedder) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dims
}

// Embed returns the vector for text. Every failure is an *faults.EmbeddingError.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := observability.StartEmbedSpan(ctx, e.provider.Name(), e.model, len(text))
	defer span.End()

	vectors, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		observability.RecordError(span, err)
		return nil, &faults.EmbeddingError{Cause: err}
	}
	if len(vectors) != 1 {
		err := fmt.Errorf("provider %s returned %d vectors for 1 text", e.provider.Name(), len(vectors))
		observability.RecordError(span, err)
		return nil, &faults.EmbeddingError{Cause: err}
	}
	vec := vectors[0]
	if len(vec) == 0 {
		err := fmt.Errorf("provider %s returned an empty vector", e.provider.Name())
		observability.RecordError(span, err)
		return nil, &faults.EmbeddingError{Cause: err}
	}
	if err := e.pin(len(vec)); err != nil {
		observability.RecordError(span, err)
		return nil, &faults.EmbeddingError{Cause: err}
	}
	return vec, nil
}

// Pin fixes the dimensionality to n before any vector is seen. It fails
// with ErrDimensionMismatch if a different size is already pinned.
func (e *Embedder) Pin(n int) error {
	if n <= 0 {
		return fmt.Errorf("embedding: invalid dimensionality %d", n)
	}
	return e.pin(n)
}

func (e *Embedder) pin(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dims == 0 {
		e.dims = n
		return nil
	}
	if n != e.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, e.dims)
	}
	return nil
}
