// Package telemetry records run engine metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/stepflow/pkg/api"
)

const instrumentationName = "github.com/petrijr/stepflow"

// Observer is an api.Observer that reports counters and latency
// histograms to an OpenTelemetry meter.
type Observer struct {
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	runsInFlight metric.Int64UpDownCounter
	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates instruments on mp. A nil mp uses the global
// provider.
func NewObserver(mp metric.MeterProvider) (*Observer, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var o Observer
	var err, e error
	o.runsStarted, e = meter.Int64Counter("stepflow.runs.started",
		metric.WithDescription("Workflow runs started"))
	err = errors.Join(err, e)
	o.runsFinished, e = meter.Int64Counter("stepflow.runs.finished",
		metric.WithDescription("Workflow runs finished, by status"))
	err = errors.Join(err, e)
	o.runsInFlight, e = meter.Int64UpDownCounter("stepflow.runs.in_flight",
		metric.WithDescription("Workflow runs currently executing"))
	err = errors.Join(err, e)
	o.runDuration, e = meter.Float64Histogram("stepflow.run.duration",
		metric.WithDescription("Workflow run duration"), metric.WithUnit("s"))
	err = errors.Join(err, e)
	o.stepDuration, e = meter.Float64Histogram("stepflow.step.duration",
		metric.WithDescription("Step duration, by module and status"), metric.WithUnit("s"))
	err = errors.Join(err, e)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func workflowAttr(run *api.WorkflowRun) attribute.KeyValue {
	return attribute.String("workflow_id", run.WorkflowID)
}

func (o *Observer) OnRunStarted(ctx context.Context, run *api.WorkflowRun) {
	attrs := metric.WithAttributes(workflowAttr(run), attribute.String("trigger", string(run.TriggerType)))
	o.runsStarted.Add(ctx, 1, attrs)
	o.runsInFlight.Add(ctx, 1, metric.WithAttributes(workflowAttr(run)))
}

func (o *Observer) OnRunCompleted(ctx context.Context, run *api.WorkflowRun) {
	o.finish(ctx, run, api.RunSuccess)
}

func (o *Observer) OnRunFailed(ctx context.Context, run *api.WorkflowRun, _ error) {
	o.finish(ctx, run, api.RunError)
}

func (o *Observer) finish(ctx context.Context, run *api.WorkflowRun, status api.RunStatus) {
	attrs := metric.WithAttributes(workflowAttr(run), attribute.String("status", string(status)))
	o.runsFinished.Add(ctx, 1, attrs)
	o.runsInFlight.Add(ctx, -1, metric.WithAttributes(workflowAttr(run)))
	o.runDuration.Record(ctx, run.Duration.Seconds(), attrs)
}

func (o *Observer) OnStepStarted(context.Context, *api.WorkflowRun, api.Step, int) {}

func (o *Observer) OnStepCompleted(ctx context.Context, run *api.WorkflowRun, step api.Step, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	o.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		workflowAttr(run),
		attribute.String("module", step.Module),
		attribute.String("status", status),
	))
}
