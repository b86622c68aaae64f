package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteLocker stores leases in a table, one row per key. Expired rows are
// overwritten in place by the next acquirer.
type SQLiteLocker struct {
	db  *sql.DB
	now func() time.Time
}

var _ Locker = (*SQLiteLocker)(nil)

// NewSQLiteLocker creates the leases table if needed.
func NewSQLiteLocker(db *sql.DB) (*SQLiteLocker, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, err
	}
	return &SQLiteLocker{db: db, now: time.Now}, nil
}

// WithClock replaces the time source.
func (l *SQLiteLocker) WithClock(now func() time.Time) *SQLiteLocker {
	l.now = now
	return l
}

func (l *SQLiteLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
		key, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *SQLiteLocker) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE key = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl).UnixNano(), key, owner, now.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *SQLiteLocker) Release(ctx context.Context, key, owner string) error {
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM leases WHERE key = ? AND (owner = ? OR expires_at <= ?)`,
		key, owner, now.UnixNano())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var cur string
	err = l.db.QueryRowContext(ctx, `SELECT owner FROM leases WHERE key = ?`, key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrNotHeld
}
