// Package app wires configuration into a running stepflow process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/credentials"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/events"
	"github.com/petrijr/stepflow/internal/lease"
	"github.com/petrijr/stepflow/internal/loader"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/internal/telemetry"
	"github.com/petrijr/stepflow/pkg/api"
)

const defaultSQLitePath = "stepflow.db"

// Runtime holds the long-lived collaborators built from a Config.
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Persistence persistence.Persistence
	Engine      api.Engine
	Hub         *events.Hub
	Metrics     *api.BasicMetrics
	Queue       taskqueue.Queue
	Locker      lease.Locker

	sqlite  *sql.DB
	redis   *redis.Client
	closers []func(context.Context) error
}

// NewRuntime opens storage, builds the engine and installs the workflows
// found in cfg.Workflows.Dir. Call Close to release connections.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: &api.BasicMetrics{}}
	if err := rt.build(ctx); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) error {
	cfg, logger := rt.Config, rt.Logger
	if err := rt.openStorage(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := rt.openQueue(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := rt.openLocker(); err != nil {
		return fmt.Errorf("lease: %w", err)
	}

	otelObserver, err := telemetry.NewObserver(nil)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	rt.Hub = events.NewHub(events.WithStore(rt.Persistence.Events))
	tokens := credentials.NewProvider(rt.Persistence.Credentials,
		credentials.WithAppCredentials(cfg.AppCredentials()))

	rt.Engine = engine.NewEngineWithConfig(engine.Config{
		Persistence: rt.Persistence,
		Tokens:      tokens,
		Observer: api.NewCompositeObserver(
			api.NewLoggingObserver(logger),
			otelObserver,
			rt.Metrics,
		),
		Events:         rt.Hub,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		MaxParallel:    cfg.Engine.MaxParallel,
	})

	if cfg.Workflows.Dir != "" {
		bundle, err := loader.LoadDir(cfg.Workflows.Dir)
		if err != nil {
			return err
		}
		if err := bundle.Install(ctx, rt.Persistence.Workflows, rt.Persistence.Organizations); err != nil {
			return err
		}
		logger.Info("workflows installed",
			"dir", cfg.Workflows.Dir, "workflows", len(bundle.Workflows), "organizations", len(bundle.Organizations))
	}
	return nil
}

func (rt *Runtime) openStorage(ctx context.Context) error {
	cfg := rt.Config.Storage
	if cfg.Driver == "sqlite" {
		dsn := cfg.DSN
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(1)
		rt.sqlite = db
		rt.onClose(func(context.Context) error { return db.Close() })

		p, err := persistence.NewSQLitePersistence(db)
		if err != nil {
			return err
		}
		rt.Persistence = p
		return nil
	}

	rt.Persistence = persistence.NewInMemory()
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		rt.onClose(func(context.Context) error { pool.Close(); return nil })
		runs, err := persistence.NewPostgresRunStore(ctx, pool)
		if err != nil {
			return err
		}
		rt.Persistence.Runs = runs
	case "redis":
		rt.Persistence.Runs = persistence.NewRedisRunStore(rt.redisClient(), "")
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return err
		}
		rt.onClose(client.Disconnect)
		rt.Persistence.Runs = persistence.NewMongoRunStore(client, "", "")
	}
	return nil
}

func (rt *Runtime) openQueue() error {
	switch rt.Config.Queue.Driver {
	case "redis":
		rt.Queue = taskqueue.NewRedisQueue(rt.redisClient(), "")
	case "sqlite":
		if rt.sqlite == nil {
			return errors.New("sqlite queue without sqlite storage")
		}
		q, err := taskqueue.NewSQLiteQueue(rt.sqlite)
		if err != nil {
			return err
		}
		rt.Queue = q
	default:
		rt.Queue = taskqueue.NewInMemoryQueue(1024)
	}
	return nil
}

// openLocker prefers Redis, then SQLite. The memory locker only elects
// within one process.
func (rt *Runtime) openLocker() error {
	switch {
	case rt.Config.Storage.RedisAddr != "":
		rt.Locker = lease.NewRedisLocker(rt.redisClient(), "")
	case rt.sqlite != nil:
		l, err := lease.NewSQLiteLocker(rt.sqlite)
		if err != nil {
			return err
		}
		rt.Locker = l
	default:
		rt.Locker = lease.NewMemoryLocker()
	}
	return nil
}

func (rt *Runtime) redisClient() *redis.Client {
	if rt.redis == nil {
		client := redis.NewClient(&redis.Options{Addr: rt.Config.Storage.RedisAddr})
		rt.redis = client
		rt.onClose(func(context.Context) error { return client.Close() })
	}
	return rt.redis
}

func (rt *Runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases connections in reverse order of opening.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
