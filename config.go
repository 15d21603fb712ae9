package eventbus

import (
	"fmt"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig configures a Bus. Field tags follow the teacher's
// EventBusConfig (config.go): yaml for file-based config, env for
// environment override, validate for struct validation — all three
// conventions the bus expects its host to apply before construction; this
// package itself never reads a file or the environment.
type BusConfig struct {
	Enabled bool `yaml:"enabled" env:"EVENTBUS_ENABLED" validate:"required"`

	HistoryEnabled       bool `yaml:"history_enabled" env:"EVENTBUS_HISTORY_ENABLED"`
	HistoryLimitPerTopic int  `yaml:"history_limit_per_topic" env:"EVENTBUS_HISTORY_LIMIT" validate:"omitempty,min=1"`

	RetryEnabled         bool            `yaml:"retry_enabled" env:"EVENTBUS_RETRY_ENABLED"`
	RetryMaxAttempts     int             `yaml:"retry_max_attempts" env:"EVENTBUS_RETRY_MAX_ATTEMPTS" validate:"omitempty,min=1"`
	RetryBaseIntervalMS  int             `yaml:"retry_base_interval_ms" env:"EVENTBUS_RETRY_BASE_INTERVAL_MS" validate:"omitempty,min=1"`
	RetryMaxIntervalMS   int             `yaml:"retry_max_interval_ms" env:"EVENTBUS_RETRY_MAX_INTERVAL_MS" validate:"omitempty,min=1"`
	RetryBackoffStrategy BackoffStrategy `yaml:"retry_backoff_strategy" env:"EVENTBUS_RETRY_BACKOFF_STRATEGY" validate:"omitempty,oneof=exponential fixed"`

	DispatcherPoolSize  int           `yaml:"dispatcher_pool_size" env:"EVENTBUS_DISPATCHER_POOL_SIZE" validate:"omitempty,min=1"`
	WorkQueueCapacity   int           `yaml:"work_queue_capacity" env:"EVENTBUS_WORK_QUEUE_CAPACITY" validate:"omitempty,min=1"`
	DeliveryTimeoutMS   int           `yaml:"delivery_timeout_ms" env:"EVENTBUS_DELIVERY_TIMEOUT_MS" validate:"omitempty,min=1"`
	DeliveryMode        DeliveryMode  `yaml:"delivery_mode" env:"EVENTBUS_DELIVERY_MODE" validate:"omitempty,oneof=block timeout drop"`
	BlockTimeoutMS      int           `yaml:"block_timeout_ms" env:"EVENTBUS_BLOCK_TIMEOUT_MS" validate:"omitempty,min=0"`

	DeadLetterEnabled bool `yaml:"dlq_enabled" env:"EVENTBUS_DLQ_ENABLED"`
}

// DefaultBusConfig mirrors this package's documented configuration table:
// retry on but history and the dead-letter path off until a host opts in, a
// worker pool sized to the host, and bounded back-pressure — a full work
// queue spills to ErrOverloaded after a brief wait rather than blocking the
// publisher indefinitely.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Enabled:              true,
		HistoryEnabled:       false,
		HistoryLimitPerTopic: 100,
		RetryEnabled:         true,
		RetryMaxAttempts:     5,
		RetryBaseIntervalMS:  1_000,
		RetryMaxIntervalMS:   60_000,
		RetryBackoffStrategy: BackoffExponential,
		DispatcherPoolSize:   2 * runtime.NumCPU(),
		WorkQueueCapacity:    10_000,
		DeliveryTimeoutMS:    5_000,
		DeliveryMode:         ModeTimeout,
		BlockTimeoutMS:       25,
		DeadLetterEnabled:    false,
	}
}

// LoadBusConfig parses a YAML document against the yaml tags on BusConfig,
// starting from DefaultBusConfig so any field the document omits keeps its
// documented default rather than zeroing out. This is the package's one
// concession to file-based config loading even though §1 otherwise treats
// the config store as external to the bus: a host still needs some way to
// turn the documented yaml keys into a BusConfig value.
func LoadBusConfig(data []byte) (BusConfig, error) {
	cfg := DefaultBusConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BusConfig{}, fmt.Errorf("eventbus: parsing config: %w", err)
	}
	return cfg, nil
}

func (c BusConfig) retryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:    c.RetryBackoffStrategy,
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   time.Duration(c.RetryBaseIntervalMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.RetryMaxIntervalMS) * time.Millisecond,
		Jitter:      0.2,
	}
}

func (c BusConfig) dispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PoolSize:        c.DispatcherPoolSize,
		QueueCapacity:   c.WorkQueueCapacity,
		DeliveryTimeout: time.Duration(c.DeliveryTimeoutMS) * time.Millisecond,
		Mode:            c.DeliveryMode,
		BlockTimeout:    time.Duration(c.BlockTimeoutMS) * time.Millisecond,
	}
}
