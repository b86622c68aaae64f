// Package events routes run progress events to live subscribers.
//
// Each run has at most one subscriber. Publishing never blocks: events are
// buffered per run so a subscriber that attaches late is replayed what it
// missed, and a subscriber that falls behind loses events rather than
// stalling the engine.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

var ErrSubscriberExists = errors.New("run already has a subscriber")

const (
	defaultBufferSize = 256
	defaultRetention  = 10 * time.Minute
)

// Hub is an api.EventSink that fans events out to per-run subscribers.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream

	store     persistence.EventStore
	bufSize   int
	retention time.Duration
	now       func() time.Time
}

type stream struct {
	buffered []api.Event
	sub      *Subscription
	doneAt   time.Time
}

func (s *stream) done() bool { return !s.doneAt.IsZero() }

// Option configures a Hub.
type Option func(*Hub)

// WithStore persists every published event so streams can be replayed
// after their in-memory buffer is pruned.
func WithStore(s persistence.EventStore) Option {
	return func(h *Hub) { h.store = s }
}

// WithBufferSize caps the events kept in memory per run.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// WithRetention sets how long finished streams stay in memory.
func WithRetention(d time.Duration) Option {
	return func(h *Hub) { h.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		streams:   make(map[string]*stream),
		store:     persistence.NoopEventStore{},
		bufSize:   defaultBufferSize,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

var _ api.EventSink = (*Hub)(nil)

// Subscription is one consumer of a run's events. C is closed after the
// terminal event or when the subscription is closed.
type Subscription struct {
	RunID string
	C     <-chan api.Event

	hub    *Hub
	ch     chan api.Event
	closed bool
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if st, ok := s.hub.streams[s.RunID]; ok && st.sub == s {
		st.sub = nil
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// sendTerminal queues ev, evicting the oldest pending events when the
// channel is full, so the stream always ends with its terminal event.
// Callers hold the hub lock, which makes them the only sender.
func (s *Subscription) sendTerminal(ev api.Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Publish delivers ev to the run's subscriber, if any, without blocking.
func (h *Hub) Publish(ctx context.Context, ev api.Event) {
	if err := h.store.AppendEvent(ctx, ev); err != nil {
		ctxlog.FromContext(ctx).Warn("persist event failed",
			slog.String("run_id", ev.RunID), slog.String("type", string(ev.Type)), slog.Any("error", err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.streams[ev.RunID]
	if st == nil {
		st = &stream{}
		h.streams[ev.RunID] = st
	}
	if len(st.buffered) == h.bufSize {
		st.buffered = st.buffered[1:]
	}
	st.buffered = append(st.buffered, ev)

	if st.sub != nil {
		if ev.Type.Terminal() {
			st.sub.sendTerminal(ev)
		} else {
			select {
			case st.sub.ch <- ev:
			default:
				ctxlog.FromContext(ctx).Warn("subscriber is behind, dropping event",
					slog.String("run_id", ev.RunID), slog.String("type", string(ev.Type)))
			}
		}
	}
	if ev.Type.Terminal() {
		st.doneAt = h.now()
		if st.sub != nil {
			st.sub.closeLocked()
			st.sub = nil
		}
	}
}

// Subscribe attaches the single subscriber of runID. Events already
// published for the run are replayed first. If the run has finished the
// returned channel is closed after the replay.
func (h *Hub) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	h.mu.Lock()
	st := h.streams[runID]
	h.mu.Unlock()

	// Streams pruned from memory come back from the store.
	if st == nil {
		stored, err := h.store.ListEvents(ctx, runID)
		if err != nil {
			return nil, err
		}
		h.restore(runID, stored)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st = h.streams[runID]
	if st == nil {
		st = &stream{}
		h.streams[runID] = st
	}
	if st.sub != nil {
		return nil, ErrSubscriberExists
	}

	ch := make(chan api.Event, h.bufSize+len(st.buffered))
	sub := &Subscription{RunID: runID, C: ch, hub: h, ch: ch}
	for _, ev := range st.buffered {
		ch <- ev
	}
	if st.done() {
		sub.closeLocked()
		return sub, nil
	}
	st.sub = sub
	return sub, nil
}

func (h *Hub) restore(runID string, stored []api.Event) {
	if len(stored) == 0 {
		return
	}
	if len(stored) > h.bufSize {
		stored = stored[len(stored)-h.bufSize:]
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[runID]; ok {
		return
	}
	st := &stream{buffered: stored}
	if stored[len(stored)-1].Type.Terminal() {
		st.doneAt = h.now()
	}
	h.streams[runID] = st
}

// Prune drops finished streams older than the retention window and
// returns how many were removed.
func (h *Hub) Prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-h.retention)
	n := 0
	for id, st := range h.streams {
		if st.done() && st.sub == nil && !st.doneAt.After(cutoff) {
			delete(h.streams, id)
			n++
		}
	}
	return n
}

// Len reports how many runs have an in-memory stream.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
