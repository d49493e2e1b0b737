// Package config loads the daemon configuration: YAML file, environment
// overrides, defaults, and live reload.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bottleneckbots/agentmem/internal/logging"
	"github.com/bottleneckbots/agentmem/internal/store"
	"github.com/bottleneckbots/agentmem/internal/telemetry"
)

// Config is the full daemon configuration.
type Config struct {
	Store     store.Config     `koanf:"store"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`

	Ops         OpsConfig         `koanf:"ops"`
	Events      EventsConfig      `koanf:"events"`
	Checkpoint  CheckpointConfig  `koanf:"checkpoint"`
	Cache       CacheConfig       `koanf:"cache"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// OpsConfig configures the operational HTTP server.
type OpsConfig struct {
	// Addr is the listen address for /healthz, /readyz, and /metrics.
	Addr string `koanf:"addr"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	// URL is the NATS server address; empty disables publishing.
	URL string `koanf:"url"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	// DefaultTTL is the checkpoint lifetime when a create request carries
	// none.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	CacheCapacity int `koanf:"cache_capacity"`
}

// CacheConfig configures the session memory cache.
type CacheConfig struct {
	Capacity int `koanf:"capacity"`

	// DefaultTTL applies to session entries written without one; zero
	// means no expiry.
	DefaultTTL time.Duration `koanf:"default_ttl"`
}

// MaintenanceConfig configures the background sweep scheduler.
type MaintenanceConfig struct {
	// SweepInterval is how often expired checkpoints and memory entries
	// are physically removed.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// CleanupInterval is how often low-performance patterns are removed.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// FeedbackInterval is how often unprocessed feedback is drained.
	FeedbackInterval time.Duration `koanf:"feedback_interval"`

	// MinSuccessRate and MinUsageCount parameterize the pattern cleanup.
	MinSuccessRate float64 `koanf:"min_success_rate"`
	MinUsageCount  int     `koanf:"min_usage_count"`

	// RatePerSecond throttles maintenance work against the store.
	RatePerSecond float64 `koanf:"rate_per_second"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Store: store.Config{
			Path:        "agentmem.db",
			BusyTimeout: 5 * time.Second,
		},
		Logging:   *logging.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
		Ops: OpsConfig{
			Addr:            ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			DefaultTTL:    24 * time.Hour,
			CacheCapacity: 1000,
		},
		Cache: CacheConfig{
			Capacity: 1000,
		},
		Maintenance: MaintenanceConfig{
			SweepInterval:    5 * time.Minute,
			CleanupInterval:  1 * time.Hour,
			FeedbackInterval: 1 * time.Minute,
			MinSuccessRate:   0.3,
			MinUsageCount:    5,
			RatePerSecond:    10,
		},
	}
}

// applyDefaults fills zero values with defaults after unmarshalling.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = def.Store.BusyTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = def.Telemetry.MetricInterval
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = def.Telemetry.ShutdownTimeout
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = def.Ops.Addr
	}
	if cfg.Ops.ShutdownTimeout == 0 {
		cfg.Ops.ShutdownTimeout = def.Ops.ShutdownTimeout
	}
	if cfg.Checkpoint.DefaultTTL == 0 {
		cfg.Checkpoint.DefaultTTL = def.Checkpoint.DefaultTTL
	}
	if cfg.Checkpoint.CacheCapacity == 0 {
		cfg.Checkpoint.CacheCapacity = def.Checkpoint.CacheCapacity
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = def.Cache.Capacity
	}
	if cfg.Maintenance.SweepInterval == 0 {
		cfg.Maintenance.SweepInterval = def.Maintenance.SweepInterval
	}
	if cfg.Maintenance.CleanupInterval == 0 {
		cfg.Maintenance.CleanupInterval = def.Maintenance.CleanupInterval
	}
	if cfg.Maintenance.FeedbackInterval == 0 {
		cfg.Maintenance.FeedbackInterval = def.Maintenance.FeedbackInterval
	}
	if cfg.Maintenance.MinSuccessRate == 0 {
		cfg.Maintenance.MinSuccessRate = def.Maintenance.MinSuccessRate
	}
	if cfg.Maintenance.MinUsageCount == 0 {
		cfg.Maintenance.MinUsageCount = def.Maintenance.MinUsageCount
	}
	if cfg.Maintenance.RatePerSecond == 0 {
		cfg.Maintenance.RatePerSecond = def.Maintenance.RatePerSecond
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if c.Checkpoint.DefaultTTL <= 0 {
		return errors.New("checkpoint default TTL must be positive")
	}
	if c.Checkpoint.CacheCapacity <= 0 {
		return errors.New("checkpoint cache capacity must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return errors.New("cache capacity must be positive")
	}
	if c.Maintenance.MinSuccessRate < 0 || c.Maintenance.MinSuccessRate > 1 {
		return fmt.Errorf("min success rate %v out of [0,1]", c.Maintenance.MinSuccessRate)
	}
	return nil
}
