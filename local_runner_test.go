package stepflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow"
	"github.com/petrijr/stepflow/pkg/api"
)

func addWorkflow(id, orgID string) *stepflow.Workflow {
	return &stepflow.Workflow{
		ID:             id,
		OrganizationID: orgID,
		Enabled:        true,
		Definition: stepflow.WorkflowDefinition{
			Steps: []stepflow.Step{{
				ID:       "sum",
				Module:   "math.add",
				Inputs:   api.MustFromAny(map[string]any{"a": "{{trigger.a}}", "b": 1}),
				OutputAs: "total",
			}},
			ReturnValue: "{{total}}",
		},
	}
}

func newRunner(t *testing.T) *stepflow.LocalRunner {
	t.Helper()
	ctx := context.Background()
	r := stepflow.NewLocalRunner()
	require.NoError(t, r.SaveOrganization(ctx, stepflow.Organization{ID: "acme", Active: true}))
	require.NoError(t, r.SaveWorkflow(ctx, addWorkflow("add", "acme")))
	return r
}

func TestLocalRunner_Synchronous(t *testing.T) {
	r := newRunner(t)

	run, err := r.Engine.Execute(context.Background(), stepflow.RunRequest{
		WorkflowID:  "add",
		TriggerData: api.MustFromAny(map[string]any{"a": 41}),
	})
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunSuccess, run.Status)
	n, _ := run.Output.Num()
	assert.Equal(t, 42.0, n)
}

func TestLocalRunner_QueuedRuns(t *testing.T) {
	r := newRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, r.Start(ctx, 2))
	defer r.Stop()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []float64
	)
	for i := 0; i < 5; i++ {
		runID, err := r.Submit(ctx, "acme", stepflow.RunRequest{
			WorkflowID:  "add",
			TriggerData: api.MustFromAny(map[string]any{"a": i}),
		})
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := r.Wait(ctx, runID)
			if !assert.NoError(t, err) {
				return
			}
			n, _ := run.Output.Num()
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.ElementsMatch(t, []float64{1, 2, 3, 4, 5}, got)
}

func TestLocalRunner_InactiveOrganization(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()
	require.NoError(t, r.SaveOrganization(ctx, stepflow.Organization{ID: "acme", Active: false}))

	_, err := r.Engine.Execute(ctx, stepflow.RunRequest{WorkflowID: "add"})
	assert.True(t, errors.Is(err, stepflow.ErrOrganizationInactive))
}

func TestLocalRunner_StartTwice(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, 1))
	defer r.Stop()
	assert.Error(t, r.Start(ctx, 1))

	r.Stop()
	r.Stop()
}
