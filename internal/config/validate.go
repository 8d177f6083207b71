package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"cadence/internal/task/scheduler"
)

// Validate checks cfg for everything that can be decided without starting
// anything. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if cfg.Pool.Workers < 0 {
		add(fmt.Errorf("pool.workers: must be >= 1, got %d", cfg.Pool.Workers))
	}
	_, err := ParseDurationField("pool.default_timeout", cfg.Pool.DefaultTimeout)
	add(err)
	if cfg.Pool.HistorySize < 0 {
		add(fmt.Errorf("pool.history_size: must be >= 0"))
	}

	if cfg.Scheduler.Threads < 0 {
		add(fmt.Errorf("scheduler.threads: must be >= 0, got %d", cfg.Scheduler.Threads))
	}
	_, err = ParseShutdownPolicy(cfg.Scheduler.ShutdownPolicy)
	add(err)
	_, err = ParseFixedDelayMode(cfg.Scheduler.FixedDelayMode)
	add(err)
	_, err = ParseDurationField("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout)
	add(err)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	if cfg.Debug.Enabled {
		add(validateDebug(cfg.Debug))
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		add(validateJob(fmt.Sprintf("jobs[%d]", i), j, seen))
	}

	return errors.Join(errs...)
}

func validateDebug(d DebugConfig) error {
	addr := strings.TrimSpace(d.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("debug.addr: %w", err)
	}
	if strings.TrimSpace(d.Token) == "" && !d.AllowInsecure && !IsLoopbackHost(host) {
		return fmt.Errorf("debug.addr: %q is not loopback; set debug.token or debug.allow_insecure", addr)
	}
	return nil
}

// IsLoopbackHost reports whether host only accepts local connections.
func IsLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.Trim(host, "[]"))
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func validateJob(path string, j JobConfig, seen map[string]bool) error {
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return fmt.Errorf("%s.name: required", path)
	}
	path = fmt.Sprintf("%s(%s)", path, name)
	if seen[name] {
		return fmt.Errorf("%s.name: duplicate job name", path)
	}
	seen[name] = true

	var errs []error
	if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
	}
	if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
		errs = append(errs, fmt.Errorf("%s.command: required", path))
	}
	if _, err := ParseDurationField(path+".initial_delay", j.InitialDelay); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
		errs = append(errs, err)
	}
	for _, kv := range j.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("%s.env: %q is not KEY=VALUE", path, kv))
		}
	}
	return errors.Join(errs...)
}

// ParseShutdownPolicy maps the config string to a scheduler policy.
func ParseShutdownPolicy(s string) (scheduler.ShutdownPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drain":
		return scheduler.ShutdownDrain, nil
	case "cancel_pending", "cancel":
		return scheduler.ShutdownCancelPending, nil
	default:
		return 0, fmt.Errorf("scheduler.shutdown_policy: unknown policy %q (use drain or cancel_pending)", s)
	}
}

// ParseFixedDelayMode maps the config string to a scheduler mode.
func ParseFixedDelayMode(s string) (scheduler.FixedDelayMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dispatch":
		return scheduler.FixedDelayFromDispatch, nil
	case "completion":
		return scheduler.FixedDelayFromCompletion, nil
	default:
		return 0, fmt.Errorf("scheduler.fixed_delay_mode: unknown mode %q (use dispatch or completion)", s)
	}
}
