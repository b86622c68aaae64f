package api

import (
	"context"
	"time"
)

// EventType identifies a progress event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// Terminal reports whether t ends a run's event stream.
func (t EventType) Terminal() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowFailed
}

// Event is a single progress notification for a run. Only the fields
// relevant to Type are populated.
type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	WorkflowID string    `json:"workflowId,omitempty"`
	RunID      string    `json:"runId"`

	StepID     string `json:"stepId,omitempty"`
	StepIndex  int    `json:"stepIndex"`
	TotalSteps int    `json:"totalSteps,omitempty"`
	Module     string `json:"module,omitempty"`

	DurationMs int64  `json:"durationMs,omitempty"`
	Output     *Value `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorStep  string `json:"errorStep,omitempty"`
}

// EventSink receives progress events. Publish must not block on slow or
// absent consumers.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// NoopSink drops every event.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) {}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }
