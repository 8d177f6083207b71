package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/task/scheduler"
	logx "cadence/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
pool:
  workers: 3
  default_timeout: 30s
scheduler:
  shutdown_policy: cancel_pending
  fixed_delay_mode: completion
  shutdown_timeout: 5s
  timezone: UTC
storage:
  driver: sqlite
  path: ./cadence.db
jobs:
  - name: backup
    schedule: "0 3 * * *"
    command: ["/usr/local/bin/backup", "--quiet"]
    timeout: 10m
  - name: heartbeat
    schedule: "@every 30s"
    command: ["true"]
    env: ["MODE=ping"]
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cadence.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Pool.Workers)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, []string{"/usr/local/bin/backup", "--quiet"}, cfg.Jobs[0].Command)

	sc, err := cfg.SchedulerConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, sc.Workers)
	assert.Equal(t, 30*time.Second, sc.DefaultTimeout)
	assert.Equal(t, scheduler.ShutdownCancelPending, sc.ShutdownPolicy)
	assert.Equal(t, scheduler.FixedDelayFromCompletion, sc.FixedDelayMode)
	assert.Equal(t, "UTC", sc.Timezone)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
}

func TestDecodeJSONDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cadence.json", []byte(`{"jobs": [{"name": "a", "schedule": "5m", "command": ["date"]}]}`))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	sc, err := cfg.SchedulerConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, sc.Workers)
	assert.Equal(t, scheduler.ShutdownDrain, sc.ShutdownPolicy)
	assert.Equal(t, scheduler.FixedDelayFromDispatch, sc.FixedDelayMode)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout())
	assert.Equal(t, DefaultDebugAddr, cfg.DebugAddr())

	st, err := cfg.StorageConfig()
	require.NoError(t, err)
	assert.Empty(t, st.Driver)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.yaml", []byte("pool:\n  workers: 2\n  queue_size: 10\n"))
	assert.ErrorContains(t, err, "queue_size")

	_, err = Decode("c.json", []byte(`{"pool": {}} {"pool": {}}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("pool: [unclosed"))
	assert.Error(t, err)

	_, err = Decode("c.yaml", []byte("pool: {}\n---\npool: {}\n"))
	assert.ErrorContains(t, err, "multiple documents")

	cfg, err := Decode("empty.yaml", []byte("# nothing yet\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Jobs)
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	data, err := os.ReadFile(filepath.Join("..", "..", "cadence.example.yaml"))
	require.NoError(t, err)
	cfg, err := Decode("cadence.example.yaml", data)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Len(t, cfg.Jobs, 4)
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Pool:      PoolConfig{Workers: -1, DefaultTimeout: "soon"},
		Scheduler: SchedulerConfig{Threads: -2, ShutdownPolicy: "panic", FixedDelayMode: "whenever", Timezone: "Mars/Olympus"},
		Storage:   &StorageConfig{Driver: "file"},
		Debug:     DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"},
		Jobs: []JobConfig{
			{Name: "", Schedule: "5m", Command: []string{"x"}},
			{Name: "dup", Schedule: "5m", Command: []string{"x"}},
			{Name: "dup", Schedule: "5m", Command: []string{"x"}},
			{Name: "bad", Schedule: "sometimes", Env: []string{"NOVALUE"}, Timeout: "-1s"},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"logging.level",
		"pool.workers",
		"pool.default_timeout",
		"scheduler.threads",
		"scheduler.shutdown_policy",
		"scheduler.fixed_delay_mode",
		"scheduler.timezone",
		"storage.path",
		"debug.addr",
		"jobs[0].name",
		"jobs[2](dup).name: duplicate",
		"jobs[3](bad).schedule",
		"jobs[3](bad).command",
		"jobs[3](bad).timeout",
		"jobs[3](bad).env",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateDebugAddr(t *testing.T) {
	t.Parallel()
	ok := []DebugConfig{
		{Enabled: true},
		{Enabled: true, Addr: "127.0.0.1:6060"},
		{Enabled: true, Addr: "localhost:7000"},
		{Enabled: true, Addr: "[::1]:6060"},
		{Enabled: true, Addr: "0.0.0.0:6060", Token: "secret"},
		{Enabled: true, Addr: ":6060", AllowInsecure: true},
	}
	for _, d := range ok {
		assert.NoError(t, Validate(&Config{Debug: d}), "%+v", d)
	}
	assert.Error(t, Validate(&Config{Debug: DebugConfig{Enabled: true, Addr: "nope"}}))
	assert.Error(t, Validate(&Config{Debug: DebugConfig{Enabled: true, Addr: ":6060"}}))
}

func TestDiffJobs(t *testing.T) {
	t.Parallel()
	oldJobs := []JobConfig{
		{Name: "keep", Schedule: "5m", Command: []string{"a"}},
		{Name: "edit", Schedule: "5m", Command: []string{"a"}},
		{Name: "drop", Schedule: "5m", Command: []string{"a"}},
	}
	newJobs := []JobConfig{
		{Name: "keep", Schedule: "5m", Command: []string{"a"}},
		{Name: "edit", Schedule: "10m", Command: []string{"a"}},
		{Name: "drop", Schedule: "5m", Command: []string{"a"}, Disabled: true},
		{Name: "new", Schedule: "1h", Command: []string{"b"}},
	}
	d := DiffJobs(oldJobs, newJobs)
	assert.Equal(t, []string{"new"}, d.Added)
	assert.Equal(t, []string{"drop"}, d.Removed)
	assert.Equal(t, []string{"edit"}, d.Changed)
	assert.True(t, DiffJobs(oldJobs, oldJobs).Empty())
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}, Debug: DebugConfig{Token: "one"}}
	b := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Debug:   DebugConfig{Token: "two"},
		Jobs:    []JobConfig{{Name: "x", Schedule: "1m", Command: []string{"true"}}},
	}
	changed, attrs, jobs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"debug", "jobs", "logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"x"}, jobs.Added)

	changed, _, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "same content must not publish")

	writeFile(t, path, "logging:\n  level: debug\n")
	changed, err = m.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	select {
	case got := <-ch:
		assert.Equal(t, "debug", got.Logging.Level)
	default:
		t.Fatal("subscriber got nothing")
	}

	writeFile(t, path, "pool:\n  workers: -3\n")
	_, err = m.Reload()
	assert.Error(t, err, "invalid config must be rejected")
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.yaml", logx.Nop())
	ch := m.Subscribe(1)
	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "warn"}}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cadence.json")
	writeFile(t, path, `{"logging": {"level": "info"}}`)

	m := NewManager(path, logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher may not be registered yet on the first write; keep
	// rewriting until a change lands.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"logging": {"level": "error"}}`), 0o600)
		select {
		case got = <-ch:
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "error", got.Logging.Level)
}
