package lease

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryLocker is an in-process Locker, mainly for tests and single-node
// deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: time.Now}
}

// WithClock replaces the time source. Used by tests to step past expiry.
func (m *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	m.now = now
	return m
}

func (m *MemoryLocker) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[key]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Renew(_ context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return ErrNotHeld
	}
	cur.expires = now.Add(ttl)
	m.leases[key] = cur
	return nil
}

func (m *MemoryLocker) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if !ok || !m.now().Before(cur.expires) {
		delete(m.leases, key)
		return nil
	}
	if cur.owner != owner {
		return ErrNotHeld
	}
	delete(m.leases, key)
	return nil
}
