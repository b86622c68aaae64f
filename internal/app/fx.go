package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/scheduler"
	"github.com/petrijr/stepflow/internal/server"
	"github.com/petrijr/stepflow/pkg/worker"
)

const (
	recoverySchedule = "@every 5m"
	pruneSchedule    = "@every 1m"
)

// Module provides the serve process: engine runtime, organization queue
// workers, the leader-elected scheduler and the HTTP server.
var Module = fx.Module("stepflow",
	fx.Provide(
		provideRuntime,
		providePool,
		func(p *worker.Pool) server.Submitter { return p },
		func(p *worker.Pool) scheduler.Submitter { return p },
		provideServer,
	),
	fx.Invoke(runPool, runScheduler, runServer),
)

// NewApp builds the serve application for cfg.
func NewApp(cfg *config.Config, logger *slog.Logger, extra ...fx.Option) *fx.App {
	var fxLogger fx.Option = fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ConsoleLogger{W: os.Stderr}
	})
	if cfg.Log.Level != "debug" {
		fxLogger = fx.NopLogger
	}

	opts := []fx.Option{
		fxLogger,
		fx.Supply(cfg, logger),
		Module,
	}
	return fx.New(append(opts, extra...)...)
}

// background is the parent of work that outlives an OnStart hook.
func background(logger *slog.Logger) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctxlog.WithLogger(context.Background(), logger))
}

func provideRuntime(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := NewRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: rt.Close})
	return rt, nil
}

func providePool(rt *Runtime) *worker.Pool {
	q := rt.Config.Queue
	return worker.NewWithConfig(rt.Engine, rt.Queue, worker.Config{
		Limits:      worker.Limits{Default: q.DefaultConcurrency, PerKey: q.Concurrency},
		MaxAttempts: q.MaxAttempts,
		Backoff:     q.Backoff,
	})
}

func provideServer(rt *Runtime, sub server.Submitter) *server.Server {
	return server.New(server.Deps{
		Engine:    rt.Engine,
		Workflows: rt.Persistence.Workflows,
		Queue:     sub,
		Hub:       rt.Hub,
		Logger:    rt.Logger,
	})
}

func runPool(lc fx.Lifecycle, pool *worker.Pool, logger *slog.Logger) {
	ctx, cancel := background(logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := pool.Start(ctx); err != nil {
				cancel()
				return err
			}
			logger.Info("worker pool started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			pool.Stop()
			logger.Info("worker pool stopped")
			return nil
		},
	})
}

func runScheduler(lc fx.Lifecycle, rt *Runtime, sub scheduler.Submitter) {
	cfg := rt.Config.Scheduler
	logger := rt.Logger
	if !cfg.Enabled {
		logger.Info("scheduler disabled")
		return
	}

	elector := scheduler.NewLeaderElector(rt.Locker, scheduler.ElectorConfig{
		Key:      cfg.LockKey,
		Owner:    cfg.InstanceID,
		TTL:      cfg.LockTTL,
		Interval: cfg.RenewInterval,
	})
	sched := scheduler.New(
		scheduler.WithSettings(rt.Persistence.Settings),
		scheduler.WithLeader(elector),
	)
	ctx, cancel := background(logger)

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			jobs, err := scheduler.WorkflowJobs(startCtx, rt.Persistence.Workflows, sub)
			if err != nil {
				cancel()
				return err
			}
			jobs = append(jobs,
				scheduler.RecoveryJob(rt.Engine, cfg.StuckAfter, recoverySchedule),
				scheduler.PruneJob(rt.Hub, pruneSchedule),
			)
			for _, job := range jobs {
				if err := sched.Register(startCtx, job); err != nil {
					logger.Warn("scheduled job not registered", "job", job.Name, "error", err)
				}
			}

			go elector.Run(ctx)
			if err := sched.Start(ctx); err != nil {
				cancel()
				return err
			}
			logger.Info("scheduler started", "instance", elector.Owner(), "jobs", len(jobs))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			sched.Wait()
			logger.Info("scheduler stopped")
			return nil
		},
	})
}

func runServer(lc fx.Lifecycle, cfg *config.Config, srv *server.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
			go func() {
				if err := srv.Start(cfg.Server.Addr); err != nil {
					logger.Error("HTTP server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping HTTP server")
			return srv.Shutdown(ctx)
		},
	})
}
