// Package index turns repository files into vectors: chunk, embed, and
// upsert in fixed-size batches, isolating per-file embedding failures.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/efebarandurmaz/coderag/internal/chunk"
	"github.com/efebarandurmaz/coderag/internal/faults"
	"github.com/efebarandurmaz/coderag/internal/ledger"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/vector"
)

// DefaultBatchSize is the number of records per upsert call.
const DefaultBatchSize = 100

// Embedder produces the vector for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes a Pipeline. Zero values select defaults.
type Config struct {
	BatchSize   int
	MaxChars    int
	Concurrency int
	// Ledger enables stale-vector pruning on full runs. Optional.
	Ledger  ledger.Ledger
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// RunOptions describes one indexing run.
type RunOptions struct {
	// Partial marks files as a subset of the repository. Partial runs never
	// prune vectors of files that are absent from the input.
	Partial bool
	// Removed lists paths known to be deleted; their vectors are removed
	// after the upserts succeed.
	Removed []string
}

// Failure records a file that could not be embedded.
type Failure struct {
	Path string
	Err  error
}

// Report summarizes an indexing run.
type Report struct {
	RepositoryID string
	Files        int
	Succeeded    int
	Failed       []Failure
	Batches      int
	Upserted     int
	Pruned       int
	Duration     time.Duration
}

// Pipeline indexes repositories into a vector store.
type Pipeline struct {
	embedder    Embedder
	store       vector.Store
	ledger      ledger.Ledger
	batchSize   int
	maxChars    int
	concurrency int
	log         *slog.Logger
	metrics     *observability.Metrics
	locks       *keyedLock
}

// New creates a Pipeline.
func New(embedder Embedder, store vector.Store, cfg Config) *Pipeline {
	p := &Pipeline{
		embedder:    embedder,
		store:       store,
		ledger:      cfg.Ledger,
		batchSize:   cfg.BatchSize,
		maxChars:    cfg.MaxChars,
		concurrency: cfg.Concurrency,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		locks:       newKeyedLock(),
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.maxChars <= 0 {
		p.maxChars = chunk.DefaultMaxChars
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observability.Default()
	}
	return p
}

type embedded struct {
	unit   chunk.Unit
	values []float32
	err    error
}

// IndexRepository embeds files and upserts the successful ones for
// repositoryID. Embedding failures are reported per file and do not fail the
// run. A failing batch stops the run with a *faults.StoreWriteError; earlier
// batches stay persisted. On cancellation the partial report is returned
// with ctx.Err().
func (p *Pipeline) IndexRepository(ctx context.Context, repositoryID string, files []chunk.FileRecord, opts RunOptions) (*Report, error) {
	if repositoryID == "" {
		return nil, vector.ErrMissingRepository
	}

	unlock := p.locks.Lock(repositoryID)
	defer unlock()

	start := time.Now()
	ctx, span := observability.StartIndexSpan(ctx, repositoryID, len(files))
	defer span.End()

	report := &Report{RepositoryID: repositoryID, Files: len(files)}
	defer func() {
		report.Duration = time.Since(start)
		observability.RecordIndexResult(span, report.Succeeded, len(report.Failed), report.Batches)
		p.metrics.IndexRuns.Inc()
		p.metrics.IndexRunDuration.Observe(report.Duration.Seconds())
	}()

	results := p.embedAll(ctx, repositoryID, files)

	records := make([]vector.Record, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			report.Failed = append(report.Failed, Failure{Path: r.unit.Path, Err: r.err})
			continue
		}
		if r.values == nil {
			continue
		}
		records = append(records, vector.Record{ID: r.unit.ID, Values: r.values, Metadata: r.unit.Metadata()})
	}
	report.Succeeded = len(records)
	p.metrics.FilesEmbedded.Add(float64(report.Succeeded))
	p.metrics.FilesFailed.Add(float64(len(report.Failed)))

	if err := ctx.Err(); err != nil {
		observability.RecordError(span, err)
		return report, err
	}
	for _, f := range report.Failed {
		p.log.Warn("file skipped", "repository", repositoryID, "path", f.Path, "error", f.Err)
	}

	for i, batch := range Batches(records, p.batchSize) {
		if err := ctx.Err(); err != nil {
			observability.RecordError(span, err)
			return report, err
		}
		if err := p.upsert(ctx, i, batch); err != nil {
			observability.RecordError(span, err)
			return report, err
		}
		report.Batches++
		report.Upserted += len(batch)
	}

	if len(opts.Removed) > 0 {
		ids := make([]string, len(opts.Removed))
		for i, path := range opts.Removed {
			ids[i] = chunk.UnitID(repositoryID, path)
		}
		if err := p.remove(ctx, repositoryID, ids); err != nil {
			observability.RecordError(span, err)
			return report, err
		}
		report.Pruned += len(ids)
	}

	if p.ledger != nil {
		pruned, err := p.reconcile(ctx, repositoryID, files, records, opts)
		report.Pruned += pruned
		if err != nil {
			observability.RecordError(span, err)
			return report, err
		}
	}

	p.log.Info("repository indexed",
		"repository", repositoryID,
		"files", report.Files,
		"succeeded", report.Succeeded,
		"failed", len(report.Failed),
		"batches", report.Batches,
		"pruned", report.Pruned,
	)
	return report, nil
}

// embedAll embeds every file, at most p.concurrency at a time. Results keep
// input order. Files not reached before cancellation have neither values
// nor an error.
func (p *Pipeline) embedAll(ctx context.Context, repositoryID string, files []chunk.FileRecord) []embedded {
	results := make([]embedded, len(files))
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i, f := range files {
		results[i].unit = chunk.Build(repositoryID, f, p.maxChars)
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			values, err := p.embedder.Embed(ctx, results[i].unit.Text)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				results[i].err = withPath(err, f.Path)
				return nil
			}
			results[i].values = values
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func withPath(err error, path string) error {
	var ee *faults.EmbeddingError
	if errors.As(err, &ee) {
		return &faults.EmbeddingError{Path: path, Cause: ee.Cause}
	}
	return &faults.EmbeddingError{Path: path, Cause: err}
}

func (p *Pipeline) upsert(ctx context.Context, batch int, records []vector.Record) error {
	ctx, span := observability.StartUpsertSpan(ctx, p.store.Backend(), batch, len(records))
	defer span.End()

	if err := p.store.Upsert(ctx, records); err != nil {
		observability.RecordError(span, err)
		return &faults.StoreWriteError{Batch: batch, Cause: err}
	}
	p.metrics.BatchesUpserted.Inc()
	p.metrics.VectorsUpserted.Add(float64(len(records)))
	return nil
}

// reconcile records the written units and, on full runs, deletes vectors of
// files that no longer exist. Files that failed to embed are still current,
// so their previous vectors are kept.
func (p *Pipeline) reconcile(ctx context.Context, repositoryID string, files []chunk.FileRecord, records []vector.Record, opts RunOptions) (int, error) {
	written := make([]string, len(records))
	for i, r := range records {
		written[i] = r.ID
	}
	if err := p.ledger.Record(ctx, repositoryID, written); err != nil {
		return 0, fmt.Errorf("record indexed units: %w", err)
	}
	if opts.Partial {
		return 0, nil
	}

	current := make([]string, len(files))
	for i, f := range files {
		current[i] = chunk.UnitID(repositoryID, f.Path)
	}
	known, err := p.ledger.Units(ctx, repositoryID)
	if err != nil {
		return 0, fmt.Errorf("load indexed units: %w", err)
	}
	stale := ledger.Stale(known, current)
	if len(stale) == 0 {
		return 0, nil
	}
	if err := p.remove(ctx, repositoryID, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// remove deletes unit vectors and their ledger entries.
func (p *Pipeline) remove(ctx context.Context, repositoryID string, ids []string) error {
	if err := p.store.Delete(ctx, repositoryID, ids); err != nil {
		return fmt.Errorf("delete %d vectors: %w", len(ids), err)
	}
	if p.ledger != nil {
		if err := p.ledger.Forget(ctx, repositoryID, ids); err != nil {
			return fmt.Errorf("forget %d units: %w", len(ids), err)
		}
	}
	p.metrics.VectorsPruned.Add(float64(len(ids)))
	return nil
}

// Purge deletes every vector and ledger entry of a repository.
func (p *Pipeline) Purge(ctx context.Context, repositoryID string) error {
	if repositoryID == "" {
		return vector.ErrMissingRepository
	}
	unlock := p.locks.Lock(repositoryID)
	defer unlock()

	if err := p.store.DeleteRepository(ctx, repositoryID); err != nil {
		return fmt.Errorf("purge vectors of %s: %w", repositoryID, err)
	}
	if p.ledger != nil {
		if err := p.ledger.Purge(ctx, repositoryID); err != nil {
			return fmt.Errorf("purge ledger of %s: %w", repositoryID, err)
		}
	}
	p.log.Info("repository purged", "repository", repositoryID)
	return nil
}

// Batches splits records into consecutive slices of at most size records.
func Batches(records []vector.Record, size int) [][]vector.Record {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]vector.Record
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, records[start:end])
	}
	return out
}
