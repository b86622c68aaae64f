package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>          => JSON-encoded WorkflowRun
//	<prefix>runs:all          => ZSET of run ids scored by start time
//	<prefix>runs:wf:<id>      => ZSET of run ids for one workflow
//
// Finalization uses WATCH so that only one writer moves a run out of
// running.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

const redisFinalizeAttempts = 5

// NewRedisRunStore creates a RedisRunStore. prefix defaults to "stepflow:".
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

func (s *RedisRunStore) keyRun(id string) string { return s.prefix + "run:" + id }

func (s *RedisRunStore) keyAll() string { return s.prefix + "runs:all" }

func (s *RedisRunStore) keyWorkflow(id string) string { return s.prefix + "runs:wf:" + id }

func (s *RedisRunStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	data, err := EncodeJSON(run)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %q already exists", run.ID)
	}

	score := float64(run.StartedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.keyAll(), redis.Z{Score: score, Member: run.ID})
	pipe.ZAdd(ctx, s.keyWorkflow(run.WorkflowID), redis.Z{Score: score, Member: run.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) FinalizeRun(ctx context.Context, runID string, res api.RunResult) error {
	key := s.keyRun(runID)
	for attempt := 0; attempt < redisFinalizeAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrRunNotFound
			}
			if err != nil {
				return err
			}
			run, err := DecodeJSON[api.WorkflowRun](data)
			if err != nil {
				return err
			}
			if run.Status != api.RunRunning {
				return ErrRunFinalized
			}
			res.Apply(&run)
			updated, err := EncodeJSON(&run)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("finalize run %q: too much contention", runID)
}

func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run, err := DecodeJSON[api.WorkflowRun](data)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	index := s.keyAll()
	if filter.WorkflowID != "" {
		index = s.keyWorkflow(filter.WorkflowID)
	}
	upper := "+inf"
	if !filter.StartedBefore.IsZero() {
		upper = fmt.Sprintf("(%d", filter.StartedBefore.UnixNano())
	}
	ids, err := s.client.ZRevRangeByScore(ctx, index, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyRun(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowRun
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		run, err := DecodeJSON[api.WorkflowRun]([]byte(str))
		if err != nil {
			return nil, err
		}
		if !filter.Matches(&run) {
			continue
		}
		out = append(out, &run)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
