package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/efebarandurmaz/coderag/internal/chunk"
	"github.com/efebarandurmaz/coderag/internal/faults"
	"github.com/efebarandurmaz/coderag/internal/index"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/source"
)

const heartbeatInterval = 30 * time.Second

// Indexer is the part of index.Pipeline used by activities.
type Indexer interface {
	IndexRepository(ctx context.Context, repositoryID string, files []chunk.FileRecord, opts index.RunOptions) (*index.Report, error)
	Purge(ctx context.Context, repositoryID string) error
}

// Activities holds the dependencies of the ingestion activities. Register
// a pointer with the worker.
type Activities struct {
	Source   source.Source
	Pipeline Indexer
	Logger   *slog.Logger
	// Audit receives run and purge outcomes. Optional.
	Audit *observability.AuditLogger
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// IndexRepository fetches the repository files and indexes them.
func (a *Activities) IndexRepository(ctx context.Context, req IndexRequest) (*RunResult, error) {
	stop := heartbeat(ctx, req.RepositoryID)
	defer stop()

	snap, err := a.Source.Fetch(ctx, req.RepositoryID, req.Paths)
	if err != nil {
		return nil, classify(err)
	}

	opts := index.RunOptions{Partial: len(req.Paths) > 0, Removed: snap.Missing}
	start := time.Now()
	report, err := a.Pipeline.IndexRepository(ctx, req.RepositoryID, snap.Files, opts)
	if err != nil {
		if report != nil {
			a.Audit.IndexRun(req.RepositoryID, report.Files, report.Succeeded, len(report.Failed), report.Pruned, time.Since(start), err)
		} else {
			a.Audit.IndexRun(req.RepositoryID, len(snap.Files), 0, 0, 0, time.Since(start), err)
		}
		return nil, classify(err)
	}
	a.Audit.IndexRun(req.RepositoryID, report.Files, report.Succeeded, len(report.Failed), report.Pruned, report.Duration, nil)

	result := &RunResult{
		Files:     report.Files,
		Succeeded: report.Succeeded,
		Batches:   report.Batches,
		Pruned:    report.Pruned,
		Skipped:   snap.Skipped,
	}
	for _, f := range report.Failed {
		result.FailedPaths = append(result.FailedPaths, f.Path)
	}
	a.logger().Info("indexing activity finished",
		"repository", req.RepositoryID,
		"files", result.Files,
		"failed", len(result.FailedPaths),
		"attempt", activity.GetInfo(ctx).Attempt,
	)
	return result, nil
}

// PurgeRepository removes every vector of a repository.
func (a *Activities) PurgeRepository(ctx context.Context, repositoryID string) error {
	err := a.Pipeline.Purge(ctx, repositoryID)
	a.Audit.Purged(repositoryID, err)
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify turns errors that retrying cannot fix into non-retryable
// application errors.
func classify(err error) error {
	switch {
	case errors.Is(err, faults.ErrUnauthorized):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnauthorized, err)
	case errors.Is(err, source.ErrRepositoryNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRepositoryNotFound, err)
	case faults.Permanent(err):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNonRetryable, err)
	}
	return err
}

func heartbeat(ctx context.Context, details any) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx, details)
			}
		}
	}()
	return cancel
}
