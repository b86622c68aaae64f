// Package config loads stepflow settings from a YAML file and STEPFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/stepflow/pkg/api"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StorageConfig struct {
	// Driver is memory, sqlite, postgres, redis or mongo. The latter three
	// hold run records only; the other stores stay in memory.
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	RedisAddr string `mapstructure:"redis_addr"`
	MongoURI  string `mapstructure:"mongo_uri"`
}

type EngineConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxParallel    int           `mapstructure:"max_parallel"`
}

type QueueConfig struct {
	Driver             string         `mapstructure:"driver"`
	DefaultConcurrency int            `mapstructure:"default_concurrency"`
	// Concurrency keys arrive lowercased from viper; worker.Limits
	// matches them case-insensitively.
	Concurrency        map[string]int `mapstructure:"concurrency"`
	MaxAttempts        int            `mapstructure:"max_attempts"`
	Backoff            time.Duration  `mapstructure:"backoff"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockKey       string        `mapstructure:"lock_key"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	InstanceID    string        `mapstructure:"instance_id"`
	StuckAfter    time.Duration `mapstructure:"stuck_after"`
}

type OAuthApp struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type WorkflowsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Config is the full process configuration.
type Config struct {
	Log       LogConfig           `mapstructure:"log"`
	Server    ServerConfig        `mapstructure:"server"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Engine    EngineConfig        `mapstructure:"engine"`
	Queue     QueueConfig         `mapstructure:"queue"`
	Scheduler SchedulerConfig     `mapstructure:"scheduler"`
	OAuth     map[string]OAuthApp `mapstructure:"oauth"`
	Workflows WorkflowsConfig     `mapstructure:"workflows"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{Driver: "memory"},
		Engine:  EngineConfig{DefaultTimeout: 5 * time.Minute},
		Queue: QueueConfig{
			Driver:             "memory",
			DefaultConcurrency: 2,
			MaxAttempts:        3,
			Backoff:            2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			LockKey:       "workflow-scheduler:leader",
			LockTTL:       30 * time.Second,
			RenewInterval: 10 * time.Second,
			StuckAfter:    time.Hour,
		},
	}
}

// Load reads path (or stepflow.yaml in the usual places when path is
// empty), then applies STEPFLOW_* environment overrides such as
// STEPFLOW_STORAGE_DRIVER.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stepflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stepflow/")
		v.AddConfigPath("$HOME/.stepflow/")
	}

	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("storage.redis_addr", cfg.Storage.RedisAddr)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("engine.default_timeout", cfg.Engine.DefaultTimeout)
	v.SetDefault("engine.max_parallel", cfg.Engine.MaxParallel)
	v.SetDefault("queue.driver", cfg.Queue.Driver)
	v.SetDefault("queue.default_concurrency", cfg.Queue.DefaultConcurrency)
	v.SetDefault("queue.max_attempts", cfg.Queue.MaxAttempts)
	v.SetDefault("queue.backoff", cfg.Queue.Backoff)
	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.lock_key", cfg.Scheduler.LockKey)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)
	v.SetDefault("scheduler.renew_interval", cfg.Scheduler.RenewInterval)
	v.SetDefault("scheduler.instance_id", cfg.Scheduler.InstanceID)
	v.SetDefault("scheduler.stuck_after", cfg.Scheduler.StuckAfter)
	v.SetDefault("workflows.dir", cfg.Workflows.Dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks driver names and limits.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for redis")
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			return errors.New("storage.mongo_uri is required for mongo")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Driver != "sqlite" {
			return errors.New("the sqlite queue needs storage.driver sqlite")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("unknown queue.driver %q", c.Queue.Driver)
	}

	if c.Engine.MaxParallel < 0 {
		return errors.New("engine.max_parallel must not be negative")
	}
	if c.Queue.DefaultConcurrency < 1 {
		return errors.New("queue.default_concurrency must be at least 1")
	}
	if c.Scheduler.LockTTL <= 0 {
		return errors.New("scheduler.lock_ttl must be positive")
	}
	if c.Scheduler.RenewInterval <= 0 || c.Scheduler.RenewInterval >= c.Scheduler.LockTTL {
		return errors.New("scheduler.renew_interval must be positive and shorter than scheduler.lock_ttl")
	}
	return nil
}

// AppCredentials returns the configured OAuth client credentials by
// provider.
func (c *Config) AppCredentials() map[string]api.AppCredentials {
	out := make(map[string]api.AppCredentials, len(c.OAuth))
	for provider, app := range c.OAuth {
		if app.ClientID == "" {
			continue
		}
		out[provider] = api.AppCredentials{ClientID: app.ClientID, ClientSecret: app.ClientSecret}
	}
	return out
}
