package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestKeyFor(t *testing.T) {
	assert.Equal(t, AdminKey, KeyFor(""))
	assert.Equal(t, "org-1", KeyFor("org-1"))
}

func TestTaskRequest(t *testing.T) {
	task := Task{
		WorkflowID:  "wf",
		RunID:       "run",
		TriggerType: api.TriggerCron,
		TriggerData: api.String("tick"),
	}
	req := task.Request()
	assert.Equal(t, "wf", req.WorkflowID)
	assert.Equal(t, "run", req.RunID)
	assert.Equal(t, api.TriggerCron, req.TriggerType)
	assert.Equal(t, "tick", req.TriggerData.String())
}

func TestEncodeDecodeTask(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	in := Task{
		ID:          "t1",
		QueueKey:    "org-1",
		WorkflowID:  "wf",
		TriggerType: api.TriggerWebhook,
		TriggerData: api.Object(
			api.Field{Key: "z", Value: api.Int(1)},
			api.Field{Key: "a", Value: api.Bool(true)},
		),
		EnqueuedAt: now,
		NotBefore:  now.Add(time.Minute),
		Attempts:   2,
	}
	data, err := EncodeTask(in)
	require.NoError(t, err)
	out, err := DecodeTask(data)
	require.NoError(t, err)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.QueueKey, out.QueueKey)
	assert.Equal(t, in.Attempts, out.Attempts)
	assert.True(t, in.NotBefore.Equal(out.NotBefore))
	assert.Equal(t, []string{"z", "a"}, out.TriggerData.Keys())
}

// testQueueContract checks the behaviour every Queue backend shares.
func testQueueContract(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	t.Run("fifo per key", func(t *testing.T) {
		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, q.Enqueue(ctx, "fifo", Task{ID: id, WorkflowID: "wf"}))
		}
		n, err := q.Len(ctx, "fifo")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		for _, want := range []string{"1", "2", "3"} {
			got, err := q.Dequeue(ctx, "fifo")
			require.NoError(t, err)
			assert.Equal(t, want, got.ID)
			assert.Equal(t, "fifo", got.QueueKey)
		}
	})

	t.Run("keys are isolated", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, "org-a", Task{ID: "a1"}))
		require.NoError(t, q.Enqueue(ctx, "org-b", Task{ID: "b1"}))

		got, err := q.Dequeue(ctx, "org-b")
		require.NoError(t, err)
		assert.Equal(t, "b1", got.ID)

		n, err := q.Len(ctx, "org-a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		keys, err := q.Keys(ctx)
		require.NoError(t, err)
		assert.Contains(t, keys, "org-a")
		assert.Contains(t, keys, "org-b")

		_, err = q.Dequeue(ctx, "org-a")
		require.NoError(t, err)
	})

	t.Run("dequeue honours context", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(cctx, "empty")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("not before delays delivery", func(t *testing.T) {
		due := time.Now().Add(100 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, "delayed", Task{ID: "later", NotBefore: due}))

		got, err := q.Dequeue(ctx, "delayed")
		require.NoError(t, err)
		assert.Equal(t, "later", got.ID)
		assert.False(t, time.Now().Before(due))
	})

	t.Run("empty key rejected", func(t *testing.T) {
		assert.ErrorIs(t, q.Enqueue(ctx, "", Task{ID: "x"}), ErrEmptyKey)
	})
}

func TestInMemoryQueue(t *testing.T) {
	testQueueContract(t, NewInMemoryQueue(16))
}

func TestInMemoryQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "k", Task{ID: "1"}))

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(cctx, "k", Task{ID: "2"}), context.DeadlineExceeded)
}

func TestInMemoryQueue_CancelledDequeueKeepsTaskWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "k", Task{ID: "delayed", NotBefore: time.Now().Add(time.Hour)}))

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(cctx, "k")
		done <- err
	}()

	// The waiting Dequeue holds the delayed task, so the slot frees up.
	require.NoError(t, q.Enqueue(ctx, "k", Task{ID: "ready"}))
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	got, err := q.Dequeue(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "ready", got.ID)

	assert.Eventually(t, func() bool {
		n, _ := q.Len(ctx, "k")
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSQLiteQueue(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	require.NoError(t, err)
	testQueueContract(t, q)
}
