package statemachine

import (
	"time"

	"github.com/fluxorio/fluxor/pkg/config"
	"github.com/fluxorio/fluxor/pkg/core/failfast"
)

// RuntimeConfig controls the Registry, Scheduler, Persistence and
// Archival subsystems (spec.md §6 "Configuration"). Load it with
// config.LoadWithEnv against a YAML file and an env prefix, same as the
// rest of this codebase's components.
type RuntimeConfig struct {
	// MaxLiveMachines is carried in the configuration but not read by the
	// Registry; the live map is unbounded.
	MaxLiveMachines int `yaml:"maxLiveMachines"`

	// IdleEvictionAfter is carried in the configuration but not read by
	// the Registry; a machine is evicted when it enters an offline state,
	// not after a period without activity.
	IdleEvictionAfter time.Duration `yaml:"idleEvictionAfter"`

	// DispatcherQueueSize bounds each machine's per-id mailbox.
	DispatcherQueueSize int `yaml:"dispatcherQueueSize"`

	// PersistenceRetryAttempts bounds how many times the Registry retries
	// a failed eviction save before giving up and leaving the machine
	// live (spec.md §4.4 "retry policy (3 attempts, exponential backoff)",
	// §6 `persistence.retryAttempts`).
	PersistenceRetryAttempts int `yaml:"persistenceRetryAttempts"`

	// PersistenceRetryBaseDelay is the base of the exponential backoff
	// (1x, 2x, 4x, ...) between eviction save retries (spec.md §6
	// `persistence.retryBaseDelayMs`).
	PersistenceRetryBaseDelay time.Duration `yaml:"persistenceRetryBaseDelay"`

	// TimeoutResolution is the scheduler's minimum wake granularity.
	TimeoutResolution time.Duration `yaml:"timeoutResolution"`

	// ArchivalWorkers is the size of the archival worker pool.
	ArchivalWorkers int `yaml:"archivalWorkers"`

	// ArchivalQueueSize bounds the pending-archival queue.
	ArchivalQueueSize int `yaml:"archivalQueueSize"`

	// ArchivalMaxRetries is the number of retries before an archival
	// failure escalates to fatal (spec.md §4.6).
	ArchivalMaxRetries int `yaml:"archivalMaxRetries"`

	// ArchivalRetryBaseDelay is the base of the exponential backoff
	// (1x, 2x, 4x, ...) between archival retries.
	ArchivalRetryBaseDelay time.Duration `yaml:"archivalRetryBaseDelay"`

	// ArchivalRetention is how long archived history rows are kept
	// before the retention pruner deletes them. 0 disables pruning.
	ArchivalRetention time.Duration `yaml:"archivalRetention"`

	// ArchivalPruneInterval is how often the retention pruner scans.
	ArchivalPruneInterval time.Duration `yaml:"archivalPruneInterval"`

	// ObserverSampleOneInN emits one in every N transition snapshots to
	// sampled subscribers; 1 means every transition.
	ObserverSampleOneInN int `yaml:"observerSampleOneInN"`

	// DebugMode, when true, bypasses ObserverSampleOneInN and emits
	// every snapshot regardless of the sampling rate (spec.md §9).
	DebugMode bool `yaml:"debugMode"`

	// ObserverBufferSize bounds each subscriber's channel.
	ObserverBufferSize int `yaml:"observerBufferSize"`

	// RehydrationTimeout bounds how long a caller waits for an in-flight
	// rehydration triggered by a concurrent event before giving up.
	RehydrationTimeout time.Duration `yaml:"rehydrationTimeout"`
}

// DefaultConfig returns the runtime's default configuration.
func DefaultConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxLiveMachines:           0,
		IdleEvictionAfter:         5 * time.Minute,
		DispatcherQueueSize:       256,
		PersistenceRetryAttempts:  3,
		PersistenceRetryBaseDelay: time.Second,
		TimeoutResolution:         10 * time.Millisecond,
		ArchivalWorkers:           4,
		ArchivalQueueSize:         1024,
		ArchivalMaxRetries:        3,
		ArchivalRetryBaseDelay:    time.Second,
		ArchivalRetention:         30 * 24 * time.Hour,
		ArchivalPruneInterval:     24 * time.Hour,
		ObserverSampleOneInN:      1,
		DebugMode:                 false,
		ObserverBufferSize:        128,
		RehydrationTimeout:        5 * time.Second,
	}
}

// LoadConfig loads a RuntimeConfig from path (YAML), applying environment
// overrides under the given prefix, and validates the result.
func LoadConfig(path, envPrefix string) (RuntimeConfig, error) {
	cfg := DefaultConfig()
	if err := config.LoadWithEnv(path, envPrefix, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate fails fast on a nonsensical configuration — this runtime is
// wired up once at process start, so malformed config is a programmer
// error, not a recoverable runtime condition.
func (c RuntimeConfig) Validate() error {
	failfast.If(c.DispatcherQueueSize > 0, "statemachine: DispatcherQueueSize must be positive, got %d", c.DispatcherQueueSize)
	failfast.If(c.PersistenceRetryAttempts >= 0, "statemachine: PersistenceRetryAttempts must not be negative, got %d", c.PersistenceRetryAttempts)
	failfast.If(c.PersistenceRetryBaseDelay > 0, "statemachine: PersistenceRetryBaseDelay must be positive, got %s", c.PersistenceRetryBaseDelay)
	failfast.If(c.TimeoutResolution > 0, "statemachine: TimeoutResolution must be positive, got %s", c.TimeoutResolution)
	failfast.If(c.ArchivalWorkers > 0, "statemachine: ArchivalWorkers must be positive, got %d", c.ArchivalWorkers)
	failfast.If(c.ArchivalQueueSize > 0, "statemachine: ArchivalQueueSize must be positive, got %d", c.ArchivalQueueSize)
	failfast.If(c.ObserverSampleOneInN > 0, "statemachine: ObserverSampleOneInN must be positive, got %d", c.ObserverSampleOneInN)
	failfast.If(c.ObserverBufferSize > 0, "statemachine: ObserverBufferSize must be positive, got %d", c.ObserverBufferSize)
	return nil
}
