// Package taskqueue holds workflow executions waiting for a worker.
//
// Queues are partitioned by key, one key per organization, so that a
// backlog under one key never delays consumers of another.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// AdminKey is the queue key for workflows that belong to no organization.
const AdminKey = "admin"

// ErrEmptyKey is returned when a task is enqueued without a queue key.
var ErrEmptyKey = errors.New("queue key is required")

// KeyFor returns the queue key for an organization.
func KeyFor(orgID string) string {
	if orgID == "" {
		return AdminKey
	}
	return orgID
}

// Task is one pending workflow execution.
type Task struct {
	ID          string          `json:"id"`
	QueueKey    string          `json:"queueKey"`
	WorkflowID  string          `json:"workflowId"`
	RunID       string          `json:"runId,omitempty"`
	User        api.Value       `json:"user"`
	TriggerType api.TriggerType `json:"triggerType"`
	TriggerData api.Value       `json:"triggerData"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`

	// NotBefore is the earliest time the task may be handed to a consumer.
	// The zero value means immediately.
	NotBefore time.Time `json:"notBefore"`
	Attempts  int       `json:"attempts"`
}

// Request converts the task into an engine run request.
func (t Task) Request() api.RunRequest {
	return api.RunRequest{
		WorkflowID:  t.WorkflowID,
		RunID:       t.RunID,
		TriggerType: t.TriggerType,
		TriggerData: t.TriggerData,
		User:        t.User,
	}
}

// Queue is a keyed FIFO of tasks.
type Queue interface {
	// Enqueue appends t to the queue named key.
	Enqueue(ctx context.Context, key string, t Task) error

	// Dequeue removes and returns the next task under key, blocking until
	// one is available or ctx is done.
	Dequeue(ctx context.Context, key string) (*Task, error)

	// Keys lists the queue keys that have been used.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the approximate number of tasks under key.
	Len(ctx context.Context, key string) (int, error)
}

// waitUntil blocks until the task's NotBefore time or ctx is done.
func waitUntil(ctx context.Context, t *Task) error {
	d := time.Until(t.NotBefore)
	if t.NotBefore.IsZero() || d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
