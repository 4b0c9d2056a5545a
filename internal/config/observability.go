package config

import (
	"fmt"

	"github.com/rezkam/taskqueue/internal/env"
)

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool `env:"TASKQUEUE_OTEL_ENABLED"`
}

// LoadObservabilityConfig loads observability configuration from
// environment. An unset TASKQUEUE_OTEL_ENABLED leaves OTelEnabled false,
// since internal/env has no default-value mechanism.
func LoadObservabilityConfig() (*ObservabilityConfig, error) {
	cfg := &ObservabilityConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load observability config: %w", err)
	}
	return cfg, nil
}
