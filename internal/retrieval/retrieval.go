// Package retrieval answers natural-language queries with the stored text of
// the most similar files of one repository.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/efebarandurmaz/coderag/internal/chunk"
	"github.com/efebarandurmaz/coderag/internal/faults"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/vector"
)

// DefaultTopK is used when a request asks for zero or fewer results.
const DefaultTopK = 5

// Embedder produces the vector for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service retrieves context snippets for a repository.
type Service struct {
	embedder    Embedder
	store       vector.Store
	defaultTopK int
	log         *slog.Logger
	metrics     *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultTopK overrides DefaultTopK.
func WithDefaultTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.defaultTopK = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service.
func New(embedder Embedder, store vector.Store, opts ...Option) *Service {
	s := &Service{
		embedder:    embedder,
		store:       store,
		defaultTopK: DefaultTopK,
		log:         slog.Default(),
		metrics:     observability.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Retrieve embeds query and returns the stored content of at most topK
// matches from repositoryID, best first. topK <= 0 selects the default.
// Matches without content or belonging to another repository are dropped.
func (s *Service) Retrieve(ctx context.Context, query, repositoryID string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = s.defaultTopK
	}
	start := time.Now()
	ctx, span := observability.StartRetrievalSpan(ctx, repositoryID, topK)
	defer span.End()
	s.metrics.Retrievals.Inc()
	defer s.metrics.RetrievalDuration.ObserveDuration(start)

	filter := vector.Filter{RepositoryID: repositoryID}
	if err := filter.Validate(); err != nil {
		return nil, s.fail(span, &faults.StoreQueryError{Cause: err})
	}

	values, err := s.embedder.Embed(ctx, query)
	if err != nil {
		var ee *faults.EmbeddingError
		if !errors.As(err, &ee) {
			err = &faults.EmbeddingError{Cause: err}
		}
		return nil, s.fail(span, err)
	}

	matches, err := s.query(ctx, values, filter, topK)
	if err != nil {
		return nil, s.fail(span, &faults.StoreQueryError{Cause: err})
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(out) == topK {
			break
		}
		if owner := m.Metadata[chunk.KeyRepositoryID]; owner != repositoryID {
			s.log.Warn("dropping match from foreign repository",
				"repository", repositoryID, "owner", owner, "id", m.ID)
			continue
		}
		content := m.Metadata[chunk.KeyContent]
		if content == "" {
			continue
		}
		out = append(out, content)
	}
	s.log.Debug("retrieved", "repository", repositoryID, "top_k", topK, "matches", len(matches), "results", len(out))
	return out, nil
}

func (s *Service) query(ctx context.Context, values []float32, filter vector.Filter, topK int) ([]vector.Match, error) {
	ctx, span := observability.StartQuerySpan(ctx, s.store.Backend(), filter.RepositoryID, topK)
	defer span.End()
	matches, err := s.store.Query(ctx, values, filter, topK)
	observability.RecordError(span, err)
	return matches, err
}

func (s *Service) fail(span trace.Span, err error) error {
	observability.RecordError(span, err)
	s.metrics.RetrievalErrors.Inc()
	return err
}
