package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the run engine for logging and metrics.
//
// Implementations should be fast and non-blocking. Step callbacks for the
// members of a wave may arrive from different goroutines.
type Observer interface {
	OnRunStarted(ctx context.Context, run *WorkflowRun)
	OnRunCompleted(ctx context.Context, run *WorkflowRun)
	OnRunFailed(ctx context.Context, run *WorkflowRun, err error)

	OnStepStarted(ctx context.Context, run *WorkflowRun, step Step, wave int)

	// OnStepCompleted fires for both successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *WorkflowRun, step Step, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
type NoopObserver struct{}

func (NoopObserver) OnRunStarted(context.Context, *WorkflowRun)             {}
func (NoopObserver) OnRunCompleted(context.Context, *WorkflowRun)           {}
func (NoopObserver) OnRunFailed(context.Context, *WorkflowRun, error)       {}
func (NoopObserver) OnStepStarted(context.Context, *WorkflowRun, Step, int) {}
func (NoopObserver) OnStepCompleted(context.Context, *WorkflowRun, Step, error, time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards to each non-nil
// observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopObserver{}
	case 1:
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStarted(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunStarted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *WorkflowRun, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStarted(ctx context.Context, run *WorkflowRun, step Step, wave int) {
	for _, o := range c.observers {
		o.OnStepStarted(ctx, run, step, wave)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *WorkflowRun, step Step, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, step, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver logs run and step lifecycle events. A nil logger means
// slog.Default().
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStarted(ctx context.Context, run *WorkflowRun) {
	o.Logger.InfoContext(ctx, "run_started",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.ID),
		slog.String("trigger", string(run.TriggerType)),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *WorkflowRun) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.ID),
		slog.Duration("duration", run.Duration),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *WorkflowRun, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.ID),
		slog.String("error_step", run.ErrorStep),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStarted(ctx context.Context, run *WorkflowRun, step Step, wave int) {
	o.Logger.DebugContext(ctx, "step_started",
		slog.String("run_id", run.ID),
		slog.String("step", step.ID),
		slog.String("module", step.Module),
		slog.Int("wave", wave),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *WorkflowRun, step Step, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("run_id", run.ID),
		slog.String("step", step.ID),
		slog.String("module", step.Module),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsInFlight  int64

	StepsCompleted  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStarted(context.Context, *WorkflowRun) { m.runsStarted.Add(1) }

func (m *BasicMetrics) OnRunCompleted(context.Context, *WorkflowRun) { m.runsCompleted.Add(1) }

func (m *BasicMetrics) OnRunFailed(context.Context, *WorkflowRun, error) { m.runsFailed.Add(1) }

func (m *BasicMetrics) OnStepCompleted(_ context.Context, _ *WorkflowRun, _ Step, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	// Only successful steps count toward the average.
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

// Snapshot returns the current counters.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	steps := m.stepsCompleted.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(m.totalStepDuration.Load() / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsInFlight:    started - completed - failed,
		StepsCompleted:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		AvgStepDuration: avg,
	}
}
