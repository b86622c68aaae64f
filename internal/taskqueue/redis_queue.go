package taskqueue

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue with one Redis list per key:
//
//	<prefix>queue:<key>   => list of JSON tasks (LPUSH / BRPOP)
//	<prefix>queues        => set of keys ever enqueued to
//
// Tasks whose NotBefore lies in the future are held by the consumer
// that popped them until they become due.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue constructs a Redis-backed Queue. prefix defaults to "stepflow:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) listKey(key string) string { return q.prefix + "queue:" + key }

func (q *RedisQueue) keysKey() string { return q.prefix + "queues" }

func (q *RedisQueue) Enqueue(ctx context.Context, key string, t Task) error {
	if key == "" {
		return ErrEmptyKey
	}
	t.QueueKey = key
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.listKey(key), data)
	pipe.SAdd(ctx, q.keysKey(), key)
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, key string) (*Task, error) {
	// BRPop returns [key, value]
	res, err := q.client.BRPop(ctx, 0, q.listKey(key)).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	t, err := DecodeTask([]byte(res[1]))
	if err != nil {
		return nil, err
	}
	if err := waitUntil(ctx, t); err != nil {
		// Put it back at the consuming end so it is next in line.
		_ = q.client.RPush(context.WithoutCancel(ctx), q.listKey(key), res[1]).Err()
		return nil, err
	}
	return t, nil
}

func (q *RedisQueue) Keys(ctx context.Context) ([]string, error) {
	keys, err := q.client.SMembers(ctx, q.keysKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the approximate number of tasks queued (LLEN).
func (q *RedisQueue) Len(ctx context.Context, key string) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey(key)).Result()
	return int(n), err
}
