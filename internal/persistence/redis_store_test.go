package persistence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/internal/testutil"
)

const redisTestPrefix = "stepflow:test:"

type RedisRunStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	store  *RedisRunStore
}

func TestRedisRunStoreSuite(t *testing.T) {
	endpoint := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &RedisRunStoreTestSuite{
		client: client,
		store:  NewRedisRunStore(client, redisTestPrefix),
	})
}

func (s *RedisRunStoreTestSuite) SetupTest() {
	ctx := context.Background()

	// Clean up all keys with this prefix.
	iter := s.client.Scan(ctx, 0, redisTestPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := s.client.Del(ctx, iter.Val()).Err()
		s.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	s.NoError(iter.Err(), "redis SCAN failed")
}

func (s *RedisRunStoreTestSuite) TestContract() {
	testRunStoreContract(s.T(), s.store)
}

func (s *RedisRunStoreTestSuite) TestDuplicateRun() {
	ctx := context.Background()
	run := newRunningRun("dup", "wf", contractBase)
	s.Require().NoError(s.store.CreateRun(ctx, run))
	s.Error(s.store.CreateRun(ctx, run))
}
