package ingest

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// DefaultTaskQueue is the task queue used by workers and triggers.
const DefaultTaskQueue = "coderag-indexing"

// StartWorker creates and starts a Temporal worker serving the ingestion
// workflows and acts.
func StartWorker(c client.Client, taskQueue string, acts *Activities) (worker.Worker, error) {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(IndexRepositoryWorkflow)
	w.RegisterWorkflow(PurgeRepositoryWorkflow)
	w.RegisterActivity(acts)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}
