package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "cadence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), `
pool:
  workers: 3
jobs:
  - name: backup
    schedule: "0 3 * * *"
    command: ["backup.sh"]
  - name: ping
    schedule: "@every 30s"
    command: ["true"]
    disabled: true
`)
	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"cadenced", "--config", path, "validate"}))
	s := out.String()
	assert.Regexp(t, `workers\s+3\n`, s)
	assert.Contains(t, s, "cron:0 3 * * *")
	assert.Contains(t, s, "ping (disabled)")
	assert.Contains(t, s, "every:30s")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), "jobs:\n  - name: x\n    schedule: sometimes\n    command: [\"true\"]\n")
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"cadenced", "-c", path, "validate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule")
}

func TestRunsCommand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	histPath := filepath.Join(dir, "history")
	path := writeConfig(t, dir, fmt.Sprintf("storage:\n  driver: file\n  path: %s\n", histPath))

	st, err := storage.Open(storage.Config{Driver: "file", Path: histPath}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendRun(ctx, storage.RunEntry{RunID: "1", Name: "backup", Occurrence: 1, Started: started, TookMS: 1200, OK: true}))
	require.NoError(t, st.AppendRun(ctx, storage.RunEntry{RunID: "2", Name: "backup", Occurrence: 2, Started: started, Error: "exit status 2"}))
	require.NoError(t, st.AppendRun(ctx, storage.RunEntry{RunID: "3", Name: "ping", Occurrence: 1, Started: started, OK: true}))
	require.NoError(t, st.Close())

	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"cadenced", "-c", path, "runs", "--job", "backup"}))
	s := out.String()
	assert.Contains(t, s, "exit status 2")
	assert.Contains(t, s, "1.2s")
	assert.NotContains(t, s, "ping")

	out.Reset()
	require.NoError(t, newApp(&out).Run([]string{"cadenced", "-c", path, "runs", "--json", "-n", "1"}))
	var list []storage.RunEntry
	require.NoError(t, json.Unmarshal(out.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "ping", list[0].Name)
}

func TestRunsCommandWithoutStorage(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, t.TempDir(), "jobs: []\n")
	err := newApp(&bytes.Buffer{}).Run([]string{"cadenced", "-c", path, "runs"})
	assert.ErrorIs(t, err, storage.ErrDisabled)
}
