package taskqueue

import (
	"context"
	"sort"
	"sync"
)

// InMemoryQueue keeps one buffered channel per key. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	capacity int
	queues   map[string]chan Task
}

// NewInMemoryQueue creates a queue whose per-key capacity is capacity.
// Enqueue blocks while a key is full.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		queues:   make(map[string]chan Task),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) channel(key string) chan Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[key]
	if !ok {
		ch = make(chan Task, q.capacity)
		q.queues[key] = ch
	}
	return ch
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, key string, t Task) error {
	if key == "" {
		return ErrEmptyKey
	}
	t.QueueKey = key
	select {
	case q.channel(key) <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, key string) (*Task, error) {
	ch := q.channel(key)
	select {
	case t := <-ch:
		if err := waitUntil(ctx, &t); err != nil {
			q.putBack(ch, t)
			return nil, err
		}
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// putBack returns a task taken by a cancelled Dequeue. When producers
// refilled the channel meanwhile, the task waits in a goroutine for room
// instead of being lost.
func (q *InMemoryQueue) putBack(ch chan Task, t Task) {
	select {
	case ch <- t:
	default:
		go func() { ch <- t }()
	}
}

func (q *InMemoryQueue) Keys(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.queues))
	for k := range q.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (q *InMemoryQueue) Len(_ context.Context, key string) (int, error) {
	return len(q.channel(key)), nil
}
