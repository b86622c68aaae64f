package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// flakyRuns fails the first failures FinalizeRun calls with a transient error.
type flakyRuns struct {
	persistence.RunStore
	mu        sync.Mutex
	failures  int
	finalizes int
}

func (f *flakyRuns) FinalizeRun(ctx context.Context, runID string, res api.RunResult) error {
	f.mu.Lock()
	f.finalizes++
	fail := f.finalizes <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.RunStore.FinalizeRun(ctx, runID, res)
}

type countingWorkflows struct {
	persistence.WorkflowStore
	mu      sync.Mutex
	records int
}

func (c *countingWorkflows) RecordRun(ctx context.Context, workflowID string, status api.RunStatus, at time.Time) error {
	c.mu.Lock()
	c.records++
	c.mu.Unlock()
	return c.WorkflowStore.RecordRun(ctx, workflowID, status, at)
}

func newFlakyHarness(t *testing.T, failures int) (*harness, *flakyRuns, *countingWorkflows) {
	t.Helper()
	var runs *flakyRuns
	var workflows *countingWorkflows
	h := newHarness(t, func(c *Config) {
		runs = &flakyRuns{RunStore: c.Persistence.Runs, failures: failures}
		workflows = &countingWorkflows{WorkflowStore: c.Persistence.Workflows}
		c.Persistence.Runs = runs
		c.Persistence.Workflows = workflows
	})
	h.save(t, &api.Workflow{Definition: api.WorkflowDefinition{
		Steps: []api.Step{track("a", "")},
	}})
	return h, runs, workflows
}

func TestEngine_FinalizeRetriesTransientFailure(t *testing.T) {
	h, runs, workflows := newFlakyHarness(t, 1)

	run, err := h.execute(t, api.RunRequest{})
	require.NoError(t, err)

	assert.Equal(t, 2, runs.finalizes)
	assert.Equal(t, 1, workflows.records)

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, api.RunSuccess, stored.Status)

	types := h.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, api.EventWorkflowCompleted, types[len(types)-1])
}

func TestEngine_FinalizeGivesUpAfterRetry(t *testing.T) {
	h, runs, workflows := newFlakyHarness(t, 2)
	var buf bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	run, err := h.engine.Execute(ctx, api.RunRequest{WorkflowID: "wf"})
	require.NoError(t, err)

	assert.Equal(t, 2, runs.finalizes)
	assert.Zero(t, workflows.records)
	assert.Contains(t, buf.String(), "finalize run failed")
	assert.Contains(t, buf.String(), "connection reset by peer")

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, api.RunRunning, stored.Status)

	// Subscribers still learn the outcome.
	types := h.events.types()
	assert.Equal(t, api.EventWorkflowCompleted, types[len(types)-1])
}
