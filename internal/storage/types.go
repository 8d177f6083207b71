package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

const defaultRetain = 10000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain caps the number of run entries kept; older ones are pruned
	// from time to time. 0 means 10000.
	Retain int
}

// RunEntry records one execution of a task.
// Keep it compact and schema-stable.
type RunEntry struct {
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	Name         string    `json:"name"`
	Occurrence   uint64    `json:"occurrence"`
	Worker       int       `json:"worker"`
	Enqueued     time.Time `json:"enqueued"`
	Started      time.Time `json:"started"`
	QueueDelayMS int64     `json:"queue_delay_ms"`
	TookMS       int64     `json:"took_ms"`
	OK           bool      `json:"ok"`
	Panicked     bool      `json:"panicked,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func retainOrDefault(n int) int {
	if n <= 0 {
		return defaultRetain
	}
	return n
}
