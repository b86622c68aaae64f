package api

import (
	"context"
	"time"
)

// Wave is a set of step ids that run concurrently.
type Wave []string

// Engine is the workflow run engine.
type Engine interface {
	// Execute runs a stored workflow to completion and returns its
	// finalized run record. A run record is returned whenever one was
	// created, even if the run failed.
	Execute(ctx context.Context, req RunRequest) (*WorkflowRun, error)

	// Plan validates def and returns the waves it would run in, without
	// dispatching any module.
	Plan(ctx context.Context, def WorkflowDefinition) ([]Wave, error)

	// GetRun looks up a run record by id.
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)

	// ListRuns returns run history, newest first.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*WorkflowRun, error)

	// RecoverStuckRuns finalizes runs still marked running that started
	// before now-olderThan, returning how many were updated.
	RecoverStuckRuns(ctx context.Context, olderThan time.Duration) (int, error)
}
