package config

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/storage"
	"cadence/internal/task/scheduler"
	logx "cadence/pkg/logx"
)

const (
	DefaultWorkers         = 4
	DefaultShutdownTimeout = 30 * time.Second
	DefaultDebugAddr       = "127.0.0.1:6060"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// LoggerConfig maps the logging section onto logx.
func (c *Config) LoggerConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// SchedulerConfig maps the pool and scheduler sections onto a scheduler
// config with defaults applied.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	timeout, err := ParseDurationField("pool.default_timeout", c.Pool.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	policy, err := ParseShutdownPolicy(c.Scheduler.ShutdownPolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	mode, err := ParseFixedDelayMode(c.Scheduler.FixedDelayMode)
	if err != nil {
		return scheduler.Config{}, err
	}
	workers := c.Pool.Workers
	if workers == 0 {
		workers = DefaultWorkers
	}
	return scheduler.Config{
		SchedulerThreads: c.Scheduler.Threads,
		Workers:          workers,
		DefaultTimeout:   timeout,
		HistorySize:      c.Pool.HistorySize,
		ShutdownPolicy:   policy,
		FixedDelayMode:   mode,
		Timezone:         strings.TrimSpace(c.Scheduler.Timezone),
	}, nil
}

// ShutdownTimeout is how long a graceful stop may take (default 30s).
func (c *Config) ShutdownTimeout() time.Duration {
	d, err := parseDurationOrDefault("scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return DefaultShutdownTimeout
	}
	return d
}

// StorageConfig maps the storage section. A nil section disables storage.
func (c *Config) StorageConfig() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
		Retain:      c.Storage.Retain,
	}, nil
}

// DebugAddr returns the configured listen address or the loopback default.
func (c *Config) DebugAddr() string {
	if a := strings.TrimSpace(c.Debug.Addr); a != "" {
		return a
	}
	return DefaultDebugAddr
}
