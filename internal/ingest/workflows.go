// Package ingest runs repository indexing as durable Temporal workflows,
// one workflow per repository.
package ingest

import (
	"fmt"
	"sort"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// SignalChanged carries a ChangeEvent to a repository workflow.
	SignalChanged = "repository-changed"
	// QueryStatus returns the workflow's Status.
	QueryStatus = "status"

	// DefaultSettle is how long a workflow collects events before a run.
	DefaultSettle = 5 * time.Second

	// runsPerExecution bounds history size before continuing as new.
	runsPerExecution = 50
)

// Error types reported by activities that must not be retried.
const (
	ErrTypeUnauthorized       = "Unauthorized"
	ErrTypeRepositoryNotFound = "RepositoryNotFound"
	ErrTypeNonRetryable       = "NonRetryable"
)

// ChangeEvent announces that a repository changed. Empty Paths means the
// whole repository.
type ChangeEvent struct {
	RepositoryID string   `json:"repositoryId"`
	Paths        []string `json:"paths,omitempty"`
}

// ChangeSet is the pending work of a repository workflow.
type ChangeSet struct {
	Full  bool
	Paths []string
}

// Add merges ev into the set. A full event absorbs every path.
func (c *ChangeSet) Add(ev ChangeEvent) {
	if c.Full {
		return
	}
	if len(ev.Paths) == 0 {
		c.Full = true
		c.Paths = nil
		return
	}
	seen := make(map[string]struct{}, len(c.Paths)+len(ev.Paths))
	for _, p := range c.Paths {
		seen[p] = struct{}{}
	}
	for _, p := range ev.Paths {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			c.Paths = append(c.Paths, p)
		}
	}
	sort.Strings(c.Paths)
}

// Empty reports whether nothing is pending.
func (c *ChangeSet) Empty() bool {
	return !c.Full && len(c.Paths) == 0
}

// IndexInput starts or continues a repository workflow.
type IndexInput struct {
	RepositoryID string
	Settle       time.Duration
	// Pending and Runs are carried across continue-as-new.
	Pending *ChangeSet
	Runs    int
}

// IndexRequest is the input of the IndexRepository activity.
type IndexRequest struct {
	RepositoryID string
	Paths        []string
}

// RunResult summarizes one indexing run.
type RunResult struct {
	Files       int
	Succeeded   int
	FailedPaths []string
	Batches     int
	Pruned      int
	Skipped     int
}

// Status is returned by the status query and by the workflow itself.
type Status struct {
	RepositoryID string     `json:"repositoryId"`
	State        string     `json:"state"`
	Runs         int        `json:"runs"`
	Pending      bool       `json:"pending"`
	Last         *RunResult `json:"last,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Workflow states.
const (
	StateWaiting  = "waiting"
	StateIndexing = "indexing"
	StateDone     = "done"
	StateFailed   = "failed"
)

// WorkflowID returns the id of the indexing workflow for a repository.
func WorkflowID(repositoryID string) string {
	return "index/" + repositoryID
}

// PurgeWorkflowID returns the id of the purge workflow for a repository.
func PurgeWorkflowID(repositoryID string) string {
	return "purge/" + repositoryID
}

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{ErrTypeUnauthorized, ErrTypeRepositoryNotFound, ErrTypeNonRetryable},
		},
	}
}

// IndexRepositoryWorkflow indexes one repository. Change events signalled
// while a run is in progress are coalesced into the next run; the workflow
// completes once nothing is pending.
func IndexRepositoryWorkflow(ctx workflow.Context, in IndexInput) (*Status, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	settle := in.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	status := &Status{RepositoryID: in.RepositoryID, State: StateWaiting, Runs: in.Runs}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (Status, error) {
		return *status, nil
	}); err != nil {
		return nil, fmt.Errorf("register status query: %w", err)
	}

	pending := &ChangeSet{}
	if in.Pending != nil {
		pending = in.Pending
	}
	signals := workflow.GetSignalChannel(ctx, SignalChanged)
	drain := func() {
		for {
			var ev ChangeEvent
			if !signals.ReceiveAsync(&ev) {
				return
			}
			pending.Add(ev)
		}
	}

	// Let a burst of events settle before the first run.
	if err := workflow.Sleep(ctx, settle); err != nil {
		return nil, err
	}
	drain()
	if pending.Empty() && in.Runs == 0 {
		pending.Full = true
	}

	var lastErr error
	for !pending.Empty() {
		req := IndexRequest{RepositoryID: in.RepositoryID}
		if !pending.Full {
			req.Paths = pending.Paths
		}
		pending = &ChangeSet{}

		status.State = StateIndexing
		status.Pending = false
		status.UpdatedAt = workflow.Now(ctx)

		var a *Activities
		var result RunResult
		lastErr = workflow.ExecuteActivity(ctx, a.IndexRepository, req).Get(ctx, &result)
		status.Runs++
		status.UpdatedAt = workflow.Now(ctx)
		if lastErr != nil {
			status.LastError = lastErr.Error()
			workflow.GetLogger(ctx).Error("indexing run failed", "repository", in.RepositoryID, "error", lastErr)
		} else {
			status.Last = &result
			status.LastError = ""
		}

		drain()
		if pending.Empty() {
			break
		}
		status.Pending = true
		status.State = StateWaiting

		if status.Runs-in.Runs >= runsPerExecution {
			return nil, workflow.NewContinueAsNewError(ctx, IndexRepositoryWorkflow, IndexInput{
				RepositoryID: in.RepositoryID,
				Settle:       settle,
				Pending:      pending,
				Runs:         status.Runs,
			})
		}
		if err := workflow.Sleep(ctx, settle); err != nil {
			return nil, err
		}
		drain()
	}

	if lastErr != nil {
		status.State = StateFailed
		return status, lastErr
	}
	status.State = StateDone
	return status, nil
}

// PurgeRepositoryWorkflow deletes every vector of a repository.
func PurgeRepositoryWorkflow(ctx workflow.Context, repositoryID string) error {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.PurgeRepository, repositoryID).Get(ctx, nil); err != nil {
		return fmt.Errorf("purge %s: %w", repositoryID, err)
	}
	return nil
}
