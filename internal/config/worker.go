package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/taskqueue/internal/env"
)

// ErrMissingEnvVar is returned when a required environment variable is not
// set.
var ErrMissingEnvVar = errors.New("required environment variable is not set")

// DatabaseConfig holds Postgres connection settings for the pgadapter state
// backend.
type DatabaseConfig struct {
	DSN          string `env:"TASKQUEUE_DATABASE_DSN"`
	MaxOpenConns int    `env:"TASKQUEUE_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `env:"TASKQUEUE_DATABASE_MAX_IDLE_CONNS"`
}

func (c DatabaseConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: TASKQUEUE_DATABASE_DSN", ErrMissingEnvVar)
	}
	return nil
}

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Database      DatabaseConfig
	WorkerID      string        `env:"TASKQUEUE_WORKER_ID"`
	Concurrency   int           `env:"TASKQUEUE_WORKER_CONCURRENCY"`
	PollInterval  time.Duration `env:"TASKQUEUE_WORKER_POLL_INTERVAL"`
	LeaseDuration time.Duration `env:"TASKQUEUE_WORKER_LEASE_DURATION"`
	RenewInterval time.Duration `env:"TASKQUEUE_WORKER_RENEW_INTERVAL"`
}

// LoadWorkerConfig loads and validates worker configuration from environment.
// Unset duration/concurrency fields are left at zero; callers should layer
// worker.DefaultConfig() underneath before applying these as overrides.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}
