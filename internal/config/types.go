package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Pool      PoolConfig      `json:"pool"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PoolConfig controls the worker pool. The pool size is fixed for the life
// of the process.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type PoolConfig struct {
	Workers int `json:"workers,omitempty"`

	// DefaultTimeout bounds runs whose job sets no timeout.
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// SchedulerConfig controls the timing side.
//
// Defaults:
//   - threads: 1 (values above 1 are accepted and ignored)
//   - shutdown_policy: "drain" | "cancel_pending"
//   - fixed_delay_mode: "dispatch" | "completion"
//   - shutdown_timeout: "30s"
//   - timezone: Local (cron evaluation)
type SchedulerConfig struct {
	Threads         int    `json:"threads,omitempty"`
	ShutdownPolicy  string `json:"shutdown_policy,omitempty"`
	FixedDelayMode  string `json:"fixed_delay_mode,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional run history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cadence.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retain      int    `json:"retain,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof + snapshots).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobConfig declares a shell command run on a schedule.
//
// Schedule accepts every form of scheduler.ParseSchedule: "55m", "02:30",
// "@every 5s", "delay:30s", "once:10s", "*/5 * * * *", "cron:0 0 * * *".
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`

	// InitialDelay overrides the wait before the first fixed rate or fixed
	// delay run (default: one period).
	InitialDelay string `json:"initial_delay,omitempty"`

	// Spread adds a random startup offset (at most 30s) to the first run of
	// fixed rate and fixed delay jobs. Cron jobs ignore it.
	Spread bool `json:"spread,omitempty"`

	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Timeout string   `json:"timeout,omitempty"`

	// Disabled keeps the job in the file without scheduling it.
	Disabled bool `json:"disabled,omitempty"`
}
