// Package config parses and validates worker configuration from environment
// variables using caarlos0/env/v11.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type Config struct {
	Redis    RedisConfig
	Queue    QueueConfig
	Staging  StagingConfig
	Worker   WorkerConfig
	Rebuild  RebuildConfig
	Database DatabaseConfig
	Registry RegistryConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

type RedisConfig struct {
	URL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// ConnectTimeout bounds the startup connection check. Reconnects inside
	// the worker loop retry until shutdown.
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

type QueueConfig struct {
	Stream         string `env:"QUEUE_STREAM"    envDefault:"tiles:build"`
	FailureStream  string `env:"FAILURE_STREAM"  envDefault:"tiles:failures"`
	ProgressPrefix string `env:"PROGRESS_PREFIX" envDefault:"tiles:progress"`
	Group          string `env:"CONSUMER_GROUP"  envDefault:"tile-workers"`
	// Consumer is generated as <hostname>-<pid>-<uuid8> when unset.
	Consumer string `env:"CONSUMER_NAME"`
}

type StagingConfig struct {
	Backend string `env:"STAGING_BACKEND" envDefault:"local"`
	Dir     string `env:"STAGING_DIR"     envDefault:"./staging"`
	URL     string `env:"STAGING_URL"`
}

type WorkerConfig struct {
	MaxAttempts          int           `env:"MAX_ATTEMPTS"           envDefault:"5"`
	BatchCount           int64         `env:"BATCH_COUNT"            envDefault:"10"`
	BlockMS              int           `env:"BLOCK_MS"               envDefault:"5000"`
	Concurrency          int           `env:"CONCURRENCY"            envDefault:"8"`
	ReclaimIdle          time.Duration `env:"RECLAIM_IDLE"           envDefault:"0"`
	ValidationDeadLetter bool          `env:"VALIDATION_DEAD_LETTER" envDefault:"false"`
	FetchTimeout         time.Duration `env:"FETCH_TIMEOUT"          envDefault:"30s"`
}

// Block returns the claim block duration.
func (w WorkerConfig) Block() time.Duration {
	return time.Duration(w.BlockMS) * time.Millisecond
}

type RebuildConfig struct {
	Interval        int64         `env:"REBUILD_INTERVAL"         envDefault:"500"`
	Upload          bool          `env:"REBUILD_UPLOAD"           envDefault:"false"`
	Command         string        `env:"REBUILD_COMMAND"          envDefault:"tile-packager"`
	Args            []string      `env:"REBUILD_ARGS"             envSeparator:" "`
	OutputDir       string        `env:"REBUILD_OUTPUT_DIR"       envDefault:"./archives"`
	DistributedLock bool          `env:"REBUILD_DISTRIBUTED_LOCK" envDefault:"false"`
	LockTTL         time.Duration `env:"REBUILD_LOCK_TTL"         envDefault:"30m"`
}

type DatabaseConfig struct {
	// URL is only required by commands that fetch tiles.
	URL      string `env:"DATABASE_URL"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"0"`
	MinConns int32  `env:"DB_MIN_CONNS" envDefault:"0"`
}

type RegistryConfig struct {
	ShardsFile string `env:"SHARDS_FILE" envDefault:"./shards.yaml"`
}

type MetricsConfig struct {
	Address string `env:"METRICS_ADDR"`
}

// Enabled reports whether the metrics server should run.
func (m MetricsConfig) Enabled() bool {
	return m.Address != ""
}

type LogConfig struct {
	Format string `env:"LOG_FORMAT" envDefault:"text"`
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
}

// Load parses Config from environment variables, fills generated defaults
// and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Queue.Consumer == "" {
		cfg.Queue.Consumer = ConsumerName()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Redis.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("REDIS_CONNECT_TIMEOUT must be positive"))
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.PoolSize() {
		errs = append(errs, errors.New("DB_MIN_CONNS must be between 0 and the pool size"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}
	if c.Worker.BatchCount < 1 {
		errs = append(errs, errors.New("BATCH_COUNT must be at least 1"))
	}
	if c.Worker.BlockMS < 0 {
		errs = append(errs, errors.New("BLOCK_MS must not be negative"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("CONCURRENCY must be at least 1"))
	}
	if c.Worker.ReclaimIdle < 0 {
		errs = append(errs, errors.New("RECLAIM_IDLE must not be negative"))
	}
	if c.Rebuild.Interval < 1 {
		errs = append(errs, errors.New("REBUILD_INTERVAL must be at least 1"))
	}
	if c.Rebuild.DistributedLock && c.Rebuild.LockTTL <= 0 {
		errs = append(errs, errors.New("REBUILD_LOCK_TTL must be positive when REBUILD_DISTRIBUTED_LOCK is set"))
	}
	switch c.Staging.Backend {
	case "", "local":
	case "blob":
		if c.Staging.URL == "" {
			errs = append(errs, errors.New("STAGING_URL is required for the blob backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STAGING_BACKEND %q", c.Staging.Backend))
	}
	if c.Queue.Stream == c.Queue.FailureStream {
		errs = append(errs, errors.New("QUEUE_STREAM and FAILURE_STREAM must differ"))
	}
	return errors.Join(errs...)
}

// PoolSize returns the database pool size: DB_MAX_CONNS, but never fewer
// connections than concurrent tiles.
func (c Config) PoolSize() int32 {
	n := c.Database.MaxConns
	if int32(c.Worker.Concurrency) > n {
		n = int32(c.Worker.Concurrency)
	}
	return n
}

// ConsumerName builds a consumer identity unique to this process.
func ConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
