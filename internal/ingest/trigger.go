package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrNoJob is returned by Status when a repository was never indexed.
var ErrNoJob = errors.New("no indexing job for repository")

// Trigger enqueues indexing work. It never waits for a run to finish.
type Trigger struct {
	client    client.Client
	taskQueue string
	settle    time.Duration
	log       *slog.Logger
}

// NewTrigger creates a Trigger for the given task queue.
func NewTrigger(c client.Client, taskQueue string, settle time.Duration, log *slog.Logger) *Trigger {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trigger{client: c, taskQueue: taskQueue, settle: settle, log: log}
}

// Enqueue signals the repository's workflow, starting it when none is
// running. It returns the run id of the workflow that received the event.
func (t *Trigger) Enqueue(ctx context.Context, ev ChangeEvent) (string, error) {
	if ev.RepositoryID == "" {
		return "", errors.New("enqueue: missing repository id")
	}
	opts := client.StartWorkflowOptions{
		ID:                    WorkflowID(ev.RepositoryID),
		TaskQueue:             t.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := t.client.SignalWithStartWorkflow(ctx, opts.ID, SignalChanged, ev, opts,
		IndexRepositoryWorkflow, IndexInput{RepositoryID: ev.RepositoryID, Settle: t.settle})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", ev.RepositoryID, err)
	}
	t.log.Info("indexing enqueued", "repository", ev.RepositoryID, "paths", len(ev.Paths), "run_id", run.GetRunID())
	return run.GetRunID(), nil
}

// Status returns the state of the latest indexing workflow of a repository.
func (t *Trigger) Status(ctx context.Context, repositoryID string) (*Status, error) {
	resp, err := t.client.QueryWorkflow(ctx, WorkflowID(repositoryID), "", QueryStatus)
	if err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrNoJob, repositoryID)
		}
		return nil, fmt.Errorf("query status of %s: %w", repositoryID, err)
	}
	var st Status
	if err := resp.Get(&st); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", repositoryID, err)
	}
	return &st, nil
}

// Purge runs the purge workflow for a repository and waits for it.
func (t *Trigger) Purge(ctx context.Context, repositoryID string) error {
	if repositoryID == "" {
		return errors.New("purge: missing repository id")
	}
	run, err := t.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    PurgeWorkflowID(repositoryID),
		TaskQueue:             t.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, PurgeRepositoryWorkflow, repositoryID)
	if err != nil {
		return fmt.Errorf("start purge of %s: %w", repositoryID, err)
	}
	if err := run.Get(ctx, nil); err != nil {
		return fmt.Errorf("purge %s: %w", repositoryID, err)
	}
	t.log.Info("repository purged", "repository", repositoryID)
	return nil
}
