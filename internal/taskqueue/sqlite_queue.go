package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent Queue backed by a SQLite table. Rows are
// claimed in (not_before, id) order inside a transaction and deleted.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_key TEXT NOT NULL,
			body TEXT NOT NULL,
			not_before INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queued_tasks_key ON queued_tasks(queue_key, not_before, id);
		CREATE TABLE IF NOT EXISTS queue_keys (
			queue_key TEXT PRIMARY KEY
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, key string, t Task) error {
	if key == "" {
		return ErrEmptyKey
	}
	t.QueueKey = key
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	notBefore := t.EnqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queued_tasks (queue_key, body, not_before) VALUES (?, ?, ?)`,
		key, string(body), notBefore); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_keys (queue_key) VALUES (?) ON CONFLICT(queue_key) DO NOTHING`, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, key string) (*Task, error) {
	for {
		t, err := q.claim(ctx, key)
		if err != nil || t != nil {
			return t, err
		}
		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context, key string) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id   int64
		body string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, body FROM queued_tasks
		WHERE queue_key = ? AND not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`, key, time.Now().UnixNano()).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeTask([]byte(body))
}

func (q *SQLiteQueue) Keys(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT queue_key FROM queue_keys ORDER BY queue_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (q *SQLiteQueue) Len(ctx context.Context, key string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_tasks WHERE queue_key = ?`, key).Scan(&n)
	return n, err
}
