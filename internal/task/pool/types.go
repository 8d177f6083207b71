package pool

import (
	"context"
	"time"
)

// Func is the unit of work run by a worker. A returned error is recorded and
// logged, never propagated to the submitter.
type Func func(ctx context.Context) error

// Config controls the worker pool.
//
// Workers is fixed for the life of the pool; it is never coerced and New
// rejects values below 1.
type Config struct {
	Workers int

	// DefaultTimeout bounds each run when Item.Timeout is 0.
	// 0 disables the default timeout.
	DefaultTimeout time.Duration

	// HistorySize is the number of RunRecords kept for Snapshot (default 200).
	HistorySize int
}

// Item is one ready-to-run piece of work. The pool owns it after Submit and
// drops it once it has run.
type Item struct {
	ID      string
	Name    string
	Run     Func
	Timeout time.Duration

	// Set by the scheduler; informational for standalone submitters.
	Occurrence uint64
	DueAt      time.Time

	// OnDone is called on the worker goroutine after Run returns, whatever
	// the outcome.
	OnDone func(RunRecord)
}

// RunRecord describes one finished execution.
type RunRecord struct {
	RunID      string        `json:"run_id"`
	TaskID     string        `json:"task_id"`
	Name       string        `json:"name"`
	Occurrence uint64        `json:"occurrence"`
	Worker     int           `json:"worker"`
	Enqueued   time.Time     `json:"enqueued"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`

	// Err is the *ExecError of a failed run; nil on success.
	Err error `json:"-"`
}

// Failed reports whether the run returned an error or panicked.
func (r RunRecord) Failed() bool { return r.Err != nil }

// Observer receives every RunRecord. It is called on the worker goroutine, so
// implementations should return quickly.
type Observer interface {
	ObserveRun(rec RunRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec RunRecord)

func (f ObserverFunc) ObserveRun(rec RunRecord) { f(rec) }

// Option configures a Pool.
type Option func(*Pool)

// WithObserver installs the execution observer hook.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.obs = o }
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int  `json:"workers"`
	Started  bool `json:"started"`
	Stopping bool `json:"stopping"`
	QueueLen int  `json:"queue_len"`
	InFlight int  `json:"in_flight"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`

	DefaultTimeout time.Duration `json:"default_timeout"`

	History []RunRecord `json:"history"`
}
