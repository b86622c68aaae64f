package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestObserverCallbacks(t *testing.T) {
	o, err := NewObserver(noop.NewMeterProvider())
	require.NoError(t, err)

	ctx := context.Background()
	run := &api.WorkflowRun{ID: "r1", WorkflowID: "wf", TriggerType: api.TriggerManual, Duration: time.Second}
	step := api.Step{ID: "a", Module: "core.echo"}

	assert.NotPanics(t, func() {
		o.OnRunStarted(ctx, run)
		o.OnStepStarted(ctx, run, step, 0)
		o.OnStepCompleted(ctx, run, step, nil, time.Millisecond)
		o.OnStepCompleted(ctx, run, step, errors.New("x"), time.Millisecond)
		o.OnRunCompleted(ctx, run)
		o.OnRunFailed(ctx, run, errors.New("x"))
	})
}

func TestObserverWithGlobalProvider(t *testing.T) {
	o, err := NewObserver(nil)
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestObserverDrivenByEngine(t *testing.T) {
	o, err := NewObserver(noop.NewMeterProvider())
	require.NoError(t, err)
	basic := &api.BasicMetrics{}

	p := persistence.NewInMemory()
	require.NoError(t, p.Workflows.SaveWorkflow(context.Background(), &api.Workflow{
		ID:         "wf",
		Definition: api.WorkflowDefinition{Steps: []api.Step{{ID: "a", Module: "core.echo"}}},
	}))
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Observer:    api.NewCompositeObserver(o, basic),
	})

	_, err = eng.Execute(context.Background(), api.RunRequest{WorkflowID: "wf"})
	require.NoError(t, err)
	snap := basic.Snapshot()
	assert.Equal(t, int64(1), snap.RunsCompleted)
}
