package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/task/pool"
)

// Kind is the recurrence policy of a scheduled task.
type Kind int

const (
	// KindOnce runs a single time and then leaves the pending set.
	KindOnce Kind = iota

	// KindFixedRate anchors occurrences to the grid start + n*period.
	// If runs fall behind, the next occurrence is already due and fires
	// right away: missed ticks are never skipped or coalesced, so a
	// backlog drains as a burst.
	KindFixedRate

	// KindFixedDelay spaces occurrences by a constant delay. By default the
	// delay is measured from the moment the run is handed to the pool, not
	// from when it completes (see FixedDelayMode).
	KindFixedDelay

	// KindCron follows a cron expression evaluated in Config.Timezone.
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindFixedRate:
		return "fixed_rate"
	case KindFixedDelay:
		return "fixed_delay"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

func (k Kind) recurring() bool { return k != KindOnce }

// ShutdownPolicy decides what Shutdown does with tasks that are still pending.
type ShutdownPolicy int

const (
	// ShutdownDrain keeps the timing goroutine running until every pending
	// task has been dispatched. Recurring tasks never run out, so Shutdown
	// only returns once the caller's context ends.
	ShutdownDrain ShutdownPolicy = iota

	// ShutdownCancelPending discards pending tasks as soon as Shutdown is
	// called. Work already handed to the pool still runs.
	ShutdownCancelPending
)

func (p ShutdownPolicy) String() string {
	if p == ShutdownCancelPending {
		return "cancel_pending"
	}
	return "drain"
}

// FixedDelayMode picks the anchor of KindFixedDelay occurrences.
type FixedDelayMode int

const (
	// FixedDelayFromDispatch computes the next run right after hand-off:
	// next = dispatch + delay. Exact only when runs are short compared to
	// the delay; a slow run can overlap the next one.
	FixedDelayFromDispatch FixedDelayMode = iota

	// FixedDelayFromCompletion re-inserts the task once its run returns:
	// next = completion + delay. Runs of one task never overlap.
	FixedDelayFromCompletion
)

func (m FixedDelayMode) String() string {
	if m == FixedDelayFromCompletion {
		return "completion"
	}
	return "dispatch"
}

// Config controls the scheduler.
type Config struct {
	// SchedulerThreads is accepted for compatibility with the classic
	// (schedulerThreads, workerThreads) constructor. 0 means 1; values above
	// 1 are allowed but only one timing goroutine is ever started.
	SchedulerThreads int

	// Worker pool settings, used by NewWithPool only.
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int

	ShutdownPolicy ShutdownPolicy
	FixedDelayMode FixedDelayMode

	// Timezone is the IANA zone used to evaluate cron expressions
	// (default: Local).
	Timezone string
}

// Executor is where due work goes. *pool.Pool satisfies it.
type Executor interface {
	Submit(item pool.Item) error
	Shutdown(ctx context.Context) error
}

// TaskID identifies a registered task for Cancel and diagnostics.
type TaskID string

// TaskOption tunes a single registration.
type TaskOption func(*task)

// WithTimeout bounds every run of the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *task) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// task is one pending occurrence. Values in the heap belong to the timing
// goroutine; re-insertion always pushes a fresh copy.
type task struct {
	id       TaskID
	name     string
	run      pool.Func
	timeout  time.Duration
	kind     Kind
	interval time.Duration
	spec     string
	cron     cron.Schedule
	loc      *time.Location

	// nextRun comes from time.Now()/Add, so it carries the monotonic clock
	// reading and is immune to wall-clock jumps.
	nextRun    time.Time
	occurrence uint64

	seq   uint64 // insertion order, tie-break only
	index int    // heap position, -1 when not pending
}

// TaskInfo is the diagnostic view of a pending task.
type TaskInfo struct {
	ID         TaskID        `json:"id"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Interval   time.Duration `json:"interval,omitempty"`
	Spec       string        `json:"spec,omitempty"`
	NextRun    time.Time     `json:"next_run"`
	Occurrence uint64        `json:"occurrence"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool   `json:"running"`
	Stopping       bool   `json:"stopping"`
	ShutdownPolicy string `json:"shutdown_policy"`
	FixedDelayMode string `json:"fixed_delay_mode"`
	Timezone       string `json:"timezone"`

	Scheduled  uint64 `json:"scheduled"`
	Dispatched uint64 `json:"dispatched"`
	Canceled   uint64 `json:"canceled"`

	// AwaitingCompletion counts fixed-delay tasks in completion mode whose
	// run is in flight; they are not in Pending until it returns.
	AwaitingCompletion int `json:"awaiting_completion"`

	Pending []TaskInfo `json:"pending"`

	// Pool is filled when the executor is a *pool.Pool.
	Pool *pool.Snapshot `json:"pool,omitempty"`
}
