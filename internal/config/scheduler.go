package config

import (
	"fmt"
	"time"

	"github.com/Grunthos/TaskQueue/internal/env"
)

// SchedulerConfig holds all configuration for the taskqueued binary:
// the Store's connection and the Dispatcher's retry policy.
type SchedulerConfig struct {
	Database      DatabaseConfig
	Observability ObservabilityConfig

	// RetryLimit caps the number of requeues a task may take before
	// markRequeue converts it to a permanent failure.
	RetryLimit int `env:"TASKQUEUE_RETRY_LIMIT" default:"17"`

	// RetryBaseDelay/RetryCapDelay/RetryJitterPercent configure the
	// capped, jittered backoff policy (internal/backoff) used in place
	// of the raw 2^(n+1)-second formula, when AutoMigrate-style ops
	// tuning is needed.
	RetryBaseDelay     time.Duration `env:"TASKQUEUE_RETRY_BASE_DELAY" default:"2s"`
	RetryCapDelay      time.Duration `env:"TASKQUEUE_RETRY_CAP_DELAY" default:"1h"`
	RetryJitterPercent int           `env:"TASKQUEUE_RETRY_JITTER_PERCENT" default:"10"`

	// OperationTimeout is loaded and defaulted here, but neither the
	// Dispatcher nor cmd/taskqueued reads it: Store calls run without a
	// per-call timeout.
	OperationTimeout time.Duration `env:"TASKQUEUE_OPERATION_TIMEOUT" default:"30s"`
}

// LoadSchedulerConfig loads and validates scheduler configuration from
// the environment.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	cfg := &SchedulerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load scheduler config: %w", err)
	}

	return cfg, nil
}
