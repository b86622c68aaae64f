package lease

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testLockerContract checks the shared semantics. advance moves the
// locker's notion of time forward past a lease's TTL.
func testLockerContract(t *testing.T, l Locker, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	const ttl = time.Second

	t.Run("only one of N acquires", func(t *testing.T) {
		const n = 10
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := l.TryAcquire(ctx, "race", fmt.Sprintf("node-%d", i), ttl)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("re-entrant for the holder", func(t *testing.T) {
		ok, err := l.TryAcquire(ctx, "reentrant", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = l.TryAcquire(ctx, "reentrant", "a", ttl)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = l.TryAcquire(ctx, "reentrant", "b", ttl)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("renew by holder only", func(t *testing.T) {
		ok, err := l.TryAcquire(ctx, "renew", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NoError(t, l.Renew(ctx, "renew", "a", ttl))
		assert.ErrorIs(t, l.Renew(ctx, "renew", "b", ttl), ErrNotHeld)
		assert.ErrorIs(t, l.Renew(ctx, "renew-missing", "a", ttl), ErrNotHeld)
	})

	t.Run("release", func(t *testing.T) {
		ok, err := l.TryAcquire(ctx, "release", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)
		assert.ErrorIs(t, l.Release(ctx, "release", "b"), ErrNotHeld)
		require.NoError(t, l.Release(ctx, "release", "a"))
		require.NoError(t, l.Release(ctx, "release", "a"))

		ok, err = l.TryAcquire(ctx, "release", "b", ttl)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("another acquires after expiry", func(t *testing.T) {
		ok, err := l.TryAcquire(ctx, "expiry", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		advance(ttl + 100*time.Millisecond)

		ok, err = l.TryAcquire(ctx, "expiry", "b", ttl)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.ErrorIs(t, l.Renew(ctx, "expiry", "a", ttl), ErrNotHeld)
	})

	t.Run("invalid ttl", func(t *testing.T) {
		_, err := l.TryAcquire(ctx, "ttl", "a", 0)
		assert.ErrorIs(t, err, ErrInvalidTTL)
		assert.ErrorIs(t, l.Renew(ctx, "ttl", "a", -time.Second), ErrInvalidTTL)
	})
}

func TestMemoryLocker(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLocker().WithClock(clock.Now)
	testLockerContract(t, l, clock.Advance)
}

func TestSQLiteLocker(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, err := NewSQLiteLocker(db)
	require.NoError(t, err)
	testLockerContract(t, l.WithClock(clock.Now), clock.Advance)
}
