package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/coderag/internal/index"
)

func TestNewReportView(t *testing.T) {
	report := &index.Report{
		RepositoryID: "repo",
		Files:        3,
		Succeeded:    2,
		Failed:       []index.Failure{{Path: "bad.go", Err: errors.New("embed failed")}},
		Batches:      1,
		Upserted:     2,
		Pruned:       1,
		Duration:     1500 * time.Millisecond,
	}

	view := newReportView(report, 4)
	require.Equal(t, "repo", view.RepositoryID)
	require.Equal(t, 3, view.Files)
	require.Equal(t, 2, view.Succeeded)
	require.Equal(t, 4, view.Skipped)
	require.Equal(t, int64(1500), view.DurationMS)
	require.Equal(t, []failureView{{Path: "bad.go", Error: "embed failed"}}, view.Failed)
}

func TestNewReportView_NoFailures(t *testing.T) {
	view := newReportView(&index.Report{RepositoryID: "repo"}, 0)
	require.Empty(t, view.Failed)
	require.Zero(t, view.Skipped)
	require.NoError(t, printReport(false, view))
}
