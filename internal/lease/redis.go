package lease

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// Re-entrant for the same owner. Returns 1 if acquired or refreshed.
	acquireScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Returns 1 if renewed, 0 if missing or held by someone else.
	renewScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Returns 1 if released or missing, 0 if held by someone else.
	releaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 1
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

// RedisLocker implements Locker with one Redis key per lease whose value
// is the owner and whose PTTL is the lease lifetime.
type RedisLocker struct {
	client redis.Scripter
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker. prefix defaults to "stepflow:lease:".
func NewRedisLocker(client redis.Scripter, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "stepflow:lease:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}
