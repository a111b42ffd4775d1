// Package config loads the YAML configuration the demo binaries use to
// build a scheduler. All limits are fixed at init time, so there is no
// reload path; binaries that watch the file only warn that a restart is
// needed.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fiberworks/jobs/internal/profiling"
)

// Config represents the main configuration
type Config struct {
	Logging   LoggingConfig     `yaml:"logging"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Metrics   *MetricsConfig    `yaml:"metrics,omitempty"`
	Tracing   *TracingConfig    `yaml:"tracing,omitempty"`
	Profiling *profiling.Config `yaml:"profiling,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// SchedulerConfig defines the fixed limits and pools of a scheduler.
type SchedulerConfig struct {
	MaxJobs          int `yaml:"max_jobs"`
	MaxDependencies  int `yaml:"max_dependencies,omitempty"`
	MaxCounters      int `yaml:"max_counters,omitempty"`
	MaxCallbacks     int `yaml:"max_callbacks,omitempty"`
	MaxProfileScopes int `yaml:"max_profile_scopes,omitempty"`

	ThreadPools []ThreadPoolConfig `yaml:"thread_pools"`
	FiberPools  []FiberPoolConfig  `yaml:"fiber_pools"`
}

// ThreadPoolConfig defines one worker thread pool.
type ThreadPoolConfig struct {
	Threads    int      `yaml:"threads"`
	Priorities []string `yaml:"priorities,omitempty"` // empty means all
}

// FiberPoolConfig defines one fiber pool.
type FiberPoolConfig struct {
	Count     int `yaml:"count"`
	StackSize int `yaml:"stack_size"`
}

// MetricsConfig holds metrics exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Endpoint   string        `yaml:"endpoint,omitempty"`
	SampleRate float64       `yaml:"sample_rate,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Scheduler.MaxJobs == 0 {
		c.Scheduler.MaxJobs = 1024
	}
	if c.Scheduler.MaxDependencies == 0 {
		c.Scheduler.MaxDependencies = 1024
	}
	if c.Scheduler.MaxCounters == 0 {
		c.Scheduler.MaxCounters = 256
	}
	if c.Scheduler.MaxCallbacks == 0 {
		c.Scheduler.MaxCallbacks = 256
	}
	if c.Scheduler.MaxProfileScopes == 0 {
		c.Scheduler.MaxProfileScopes = 1024
	}
	if c.Metrics != nil && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks cross-field constraints the scheduler would otherwise
// reject at init.
func (c *Config) Validate() error {
	if len(c.Scheduler.ThreadPools) == 0 {
		return fmt.Errorf("scheduler: at least one thread pool is required")
	}
	if len(c.Scheduler.FiberPools) == 0 {
		return fmt.Errorf("scheduler: at least one fiber pool is required")
	}
	for i, tp := range c.Scheduler.ThreadPools {
		if tp.Threads <= 0 {
			return fmt.Errorf("scheduler: thread pool %d has no threads", i)
		}
	}
	for i, fp := range c.Scheduler.FiberPools {
		if fp.Count <= 0 {
			return fmt.Errorf("scheduler: fiber pool %d has no fibers", i)
		}
		if fp.StackSize <= 0 {
			return fmt.Errorf("scheduler: fiber pool %d has no stack size", i)
		}
	}
	return nil
}
