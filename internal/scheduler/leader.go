package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/lease"
)

// DefaultLockKey is the lease every scheduler instance competes for.
const DefaultLockKey = "workflow-scheduler:leader"

// Leader reports whether this instance may fire jobs.
type Leader interface {
	IsLeader() bool
}

// AlwaysLeader is a Leader for single-instance deployments.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }

// ElectorConfig configures a LeaderElector.
type ElectorConfig struct {
	Key      string
	Owner    string
	TTL      time.Duration
	Interval time.Duration // between acquire and renew attempts
}

// LeaderElector holds the scheduler lease while it can. Leadership is lost
// as soon as a renewal fails; another instance may take over once the TTL
// runs out.
type LeaderElector struct {
	locker lease.Locker
	cfg    ElectorConfig
	leader atomic.Bool
}

// NewLeaderElector fills defaults: DefaultLockKey, a random owner, a 30s
// TTL and a third of the TTL as interval.
func NewLeaderElector(locker lease.Locker, cfg ElectorConfig) *LeaderElector {
	if cfg.Key == "" {
		cfg.Key = DefaultLockKey
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Interval <= 0 || cfg.Interval >= cfg.TTL {
		cfg.Interval = cfg.TTL / 3
	}
	return &LeaderElector{locker: locker, cfg: cfg}
}

func (e *LeaderElector) IsLeader() bool { return e.leader.Load() }

// Owner is the identity this instance acquires the lease under.
func (e *LeaderElector) Owner() string { return e.cfg.Owner }

// Run competes for the lease until ctx is done, then releases it.
func (e *LeaderElector) Run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx).With(slog.String("lock_key", e.cfg.Key), slog.String("owner", e.cfg.Owner))

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		e.step(ctx, logger)
		select {
		case <-ctx.Done():
			e.resign(logger)
			return
		case <-ticker.C:
		}
	}
}

// step makes one acquire or renew attempt.
func (e *LeaderElector) step(ctx context.Context, logger *slog.Logger) {
	if e.leader.Load() {
		if err := e.locker.Renew(ctx, e.cfg.Key, e.cfg.Owner, e.cfg.TTL); err != nil {
			e.leader.Store(false)
			logger.Warn("scheduler leadership lost", slog.Any("error", err))
		}
		return
	}
	ok, err := e.locker.TryAcquire(ctx, e.cfg.Key, e.cfg.Owner, e.cfg.TTL)
	if err != nil {
		// Infrastructure trouble only skips this cycle.
		logger.Warn("scheduler lock acquire failed", slog.Any("error", err))
		return
	}
	if ok {
		e.leader.Store(true)
		logger.Info("scheduler leadership acquired")
	}
}

func (e *LeaderElector) resign(logger *slog.Logger) {
	if !e.leader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.locker.Release(ctx, e.cfg.Key, e.cfg.Owner); err != nil {
		logger.Warn("scheduler lock release failed", slog.Any("error", err))
		return
	}
	logger.Info("scheduler leadership released")
}
