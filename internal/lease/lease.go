// Package lease provides TTL-backed mutual exclusion primitives.
//
// A lease is held by an owner string under a key. It expires on its own
// when the holder stops renewing, which is the only release mechanism a
// crashed holder needs.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Renew and Release when the caller does not
// hold the lease.
var ErrNotHeld = errors.New("lease not held")

// ErrInvalidTTL is returned when a non-positive TTL is requested.
var ErrInvalidTTL = errors.New("ttl must be > 0")

// Locker is a distributed lock keyed by name.
type Locker interface {
	// TryAcquire takes the lease if it is free or expired. A holder calling
	// it again extends its own lease. It never blocks waiting for the lease.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Renew extends a lease the owner currently holds.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error

	// Release drops the lease if the owner holds it. Releasing a missing or
	// expired lease succeeds.
	Release(ctx context.Context, key, owner string) error
}
