package persistence

import (
	"context"

	"github.com/petrijr/stepflow/pkg/api"
)

// EventStore is an append-only log of progress events per run, used to
// replay a run's stream after the fact.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.Event) error
	ListEvents(ctx context.Context, runID string) ([]api.Event, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(context.Context, api.Event) error { return nil }
func (NoopEventStore) ListEvents(context.Context, string) ([]api.Event, error) {
	return nil, nil
}
