package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/eventbus"
	"cadence/internal/task/pool"
	logx "cadence/pkg/logx"
)

func newTestScheduler(t *testing.T, cfg Config, opts ...pool.Option) *Service {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	s, err := NewWithPool(cfg, logx.Nop(), nil, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func shutdown(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func noop(context.Context) error { return nil }

type recorder struct {
	mu   sync.Mutex
	recs []pool.RunRecord
}

func (r *recorder) ObserveRun(rec pool.RunRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recorder) records() []pool.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pool.RunRecord(nil), r.recs...)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(Config{SchedulerThreads: -1, Workers: 1}, logx.Nop(), nil)
	require.ErrorIs(t, err, ErrInvalidThreads)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "scheduler_threads", ce.Field)

	_, err = NewWithPool(Config{Workers: 0}, logx.Nop(), nil)
	require.ErrorIs(t, err, pool.ErrInvalidWorkers)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "workers", ce.Field)

	_, err = NewWithPool(Config{Workers: 1, Timezone: "Not/AZone"}, logx.Nop(), nil)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "timezone", ce.Field)

	_, err = New(Config{}, nil, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrNilExecutor)

	// Zero threads means one; more than one is accepted.
	for _, n := range []int{0, 1, 4} {
		s, err := NewWithPool(Config{SchedulerThreads: n, Workers: 1}, logx.Nop(), nil)
		require.NoError(t, err, "threads=%d", n)
		assert.NotNil(t, s.Pool())
	}
}

func TestRegistrationErrors(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	defer shutdown(t, s)

	_, err := s.ScheduleOnce("neg", noop, -time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidDelay)
	_, err = s.ScheduleAtFixedRate("zero", noop, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = s.ScheduleAtFixedRate("neg-initial", noop, -time.Second, time.Second)
	assert.ErrorIs(t, err, ErrInvalidDelay)
	_, err = s.ScheduleWithFixedDelay("zero", noop, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = s.ScheduleCron("bad", "61 * * * *", noop)
	assert.ErrorIs(t, err, ErrInvalidCron)
	_, err = s.ScheduleOnce("nil", nil, 0)
	assert.ErrorIs(t, err, ErrNilFunc)
	_, err = s.Schedule("garbage", "whenever", noop)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "schedule", ce.Field)

	assert.Zero(t, s.Pending(), "failed registrations must not leave anything behind")
}

func TestOnceRunsAfterDelayExactlyOnce(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var runs atomic.Int32
	ran := make(chan time.Time, 4)
	start := time.Now()
	_, err := s.ScheduleOnce("once", func(context.Context) error {
		runs.Add(1)
		ran <- time.Now()
		return nil
	}, 50*time.Millisecond)
	require.NoError(t, err)

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("once task never ran")
	}
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
	assert.Zero(t, s.Pending())
	shutdown(t, s)
}

func TestZeroDelayIsDueImmediately(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	ran := make(chan struct{})
	_, err := s.ScheduleOnce("now", func(context.Context) error {
		close(ran)
		return nil
	}, 0)
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("zero-delay task did not run")
	}
	shutdown(t, s)
}

func TestFixedRateTicks(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var count atomic.Int32
	id, err := s.ScheduleAtFixedRate("incr", func(context.Context) error {
		count.Add(1)
		return nil
	}, 0, 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(350 * time.Millisecond)
	n := count.Load()
	assert.True(t, n >= 3 && n <= 4, "expected 3 or 4 ticks, got %d", n)

	assert.True(t, s.Cancel(id))
	shutdown(t, s)
}

func TestFixedRateOccurrencesAreContiguous(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newTestScheduler(t, Config{Workers: 1}, pool.WithObserver(rec))

	// The single worker is busy long enough for several ticks to pile up;
	// none of them may be skipped.
	id, err := s.ScheduleAtFixedRate("busy", func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}, 0, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.records()) >= 5 }, 3*time.Second, 5*time.Millisecond)
	s.Cancel(id)
	shutdown(t, s)

	recs := rec.records()
	for i, r := range recs {
		assert.EqualValues(t, i+1, r.Occurrence)
	}
}

func TestFixedDelaySpacing(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newTestScheduler(t, Config{}, pool.WithObserver(rec))

	const delay = 40 * time.Millisecond
	id, err := s.ScheduleWithFixedDelay("spaced", noop, 0, delay)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.records()) >= 4 }, 3*time.Second, 5*time.Millisecond)
	s.Cancel(id)
	shutdown(t, s)

	recs := rec.records()
	for i := 1; i < len(recs); i++ {
		gap := recs[i].Enqueued.Sub(recs[i-1].Enqueued)
		assert.GreaterOrEqual(t, gap, delay, "occurrence %d", recs[i].Occurrence)
	}
}

func TestFixedDelayFromCompletionNeverOverlaps(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := newTestScheduler(t, Config{Workers: 4, FixedDelayMode: FixedDelayFromCompletion}, pool.WithObserver(rec))

	var active, maxActive atomic.Int32
	const (
		runFor = 30 * time.Millisecond
		delay  = 10 * time.Millisecond
	)
	id, err := s.ScheduleWithFixedDelay("serial", func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(runFor)
		active.Add(-1)
		return nil
	}, 0, delay)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.records()) >= 3 }, 3*time.Second, 5*time.Millisecond)
	s.Cancel(id)
	shutdown(t, s)

	assert.EqualValues(t, 1, maxActive.Load())
	recs := rec.records()
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].Started.Sub(recs[i-1].Started), runFor+delay)
	}
}

func TestShutdownWaitsForPendingOnce(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var flag atomic.Bool
	registered := time.Now()
	_, err := s.ScheduleOnce("flag", func(context.Context) error {
		flag.Store(true)
		return nil
	}, 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	shutdown(t, s)

	assert.GreaterOrEqual(t, time.Since(registered), 50*time.Millisecond)
	assert.True(t, flag.Load(), "drain must run the pending task before returning")
	assert.Zero(t, s.Pool().Snapshot().InFlight)

	_, err = s.ScheduleOnce("late", noop, 0)
	assert.ErrorIs(t, err, ErrStopping)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopping)
}

func TestShutdownDrainsTasksRegisteredBeforeStart(t *testing.T) {
	t.Parallel()
	s, err := NewWithPool(Config{Workers: 1}, logx.Nop(), nil)
	require.NoError(t, err)

	var flag atomic.Bool
	_, err = s.ScheduleOnce("early", func(context.Context) error {
		flag.Store(true)
		return nil
	}, 10*time.Millisecond)
	require.NoError(t, err)

	shutdown(t, s)
	assert.True(t, flag.Load())
}

func TestShutdownCancelPending(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s, err := NewWithPool(Config{Workers: 1, ShutdownPolicy: ShutdownCancelPending}, logx.Nop(), bus)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var ran atomic.Bool
	_, err = s.ScheduleOnce("later", func(context.Context) error {
		ran.Store(true)
		return nil
	}, 300*time.Millisecond)
	require.NoError(t, err)
	_, err = s.ScheduleAtFixedRate("forever", noop, time.Hour, time.Hour)
	require.NoError(t, err)

	start := time.Now()
	shutdown(t, s)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Zero(t, s.Pending())

	time.Sleep(350 * time.Millisecond)
	assert.False(t, ran.Load(), "discarded task must never run")

	canceled := 0
	for len(events) > 0 {
		if (<-events).Type == eventbus.TaskCanceled {
			canceled++
		}
	}
	assert.Equal(t, 2, canceled)
}

func TestShutdownDrainStopsAtDeadline(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var count atomic.Int32
	_, err := s.ScheduleAtFixedRate("tick", func(context.Context) error {
		count.Add(1)
		return nil
	}, 0, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.Pending())
	assert.False(t, s.Snapshot().Running)

	// Let the pool finish what it already had, then make sure nothing new
	// is dispatched.
	shutdown(t, s)
	n := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, count.Load())
}

func TestCancel(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var ran atomic.Bool
	id, err := s.ScheduleOnce("canceled", func(context.Context) error {
		ran.Store(true)
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	assert.False(t, s.Cancel("unknown"))
	assert.Zero(t, s.Pending())

	time.Sleep(200 * time.Millisecond)
	assert.False(t, ran.Load())
	shutdown(t, s)
	assert.EqualValues(t, 1, s.Snapshot().Canceled)
}

func TestDispatchFollowsDueOrder(t *testing.T) {
	t.Parallel()
	s, err := NewWithPool(Config{Workers: 1}, logx.Nop(), nil)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	add := func(name string, delay time.Duration) {
		_, err := s.ScheduleOnce(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}, delay)
		require.NoError(t, err)
	}
	add("third", 60*time.Millisecond)
	add("first", 20*time.Millisecond)
	add("second", 40*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	shutdown(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEarlierRegistrationWakesTimingLoop(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	_, err := s.ScheduleOnce("far", noop, time.Hour)
	require.NoError(t, err)

	ran := make(chan struct{})
	_, err = s.ScheduleOnce("near", func(context.Context) error {
		close(ran)
		return nil
	}, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timing loop kept sleeping for the later task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded, "the hour-long task keeps a drain busy")
}

func TestCronTaskRuns(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Timezone: "UTC"})

	var runs atomic.Int32
	id, err := s.ScheduleCron("every-second", "* * * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() >= 1 && s.Pending() == 1 }, 2500*time.Millisecond, 10*time.Millisecond)
	snap := s.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "cron", snap.Pending[0].Kind)
	assert.Equal(t, "* * * * * *", snap.Pending[0].Spec)
	assert.Equal(t, "UTC", snap.Timezone)

	s.Cancel(id)
	shutdown(t, s)
}

func TestScheduleFromString(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	ran := make(chan struct{})
	_, err := s.Schedule("parsed", "once:20ms", func(context.Context) error {
		close(ran)
		return nil
	})
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("parsed once task did not run")
	}

	_, err = s.Schedule("rate", "every:1h", noop, WithTimeout(time.Second))
	require.NoError(t, err)
	snap := s.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "fixed_rate", snap.Pending[0].Kind)
	assert.Equal(t, time.Hour, snap.Pending[0].Interval)

	s.Cancel(snap.Pending[0].ID)
	shutdown(t, s)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{Workers: 3})

	_, err := s.ScheduleOnce("b", noop, 2*time.Hour)
	require.NoError(t, err)
	_, err = s.ScheduleWithFixedDelay("a", noop, time.Hour, time.Minute)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.EqualValues(t, 2, snap.Scheduled)
	require.Len(t, snap.Pending, 2)
	assert.Equal(t, "a", snap.Pending[0].Name)
	assert.Equal(t, "b", snap.Pending[1].Name)
	assert.EqualValues(t, 1, snap.Pending[0].Occurrence)
	require.NotNil(t, snap.Pool)
	assert.Equal(t, 3, snap.Pool.Workers)

	next, ok := s.NextRun()
	require.True(t, ok)
	assert.True(t, next.Equal(snap.Pending[0].NextRun))

	for _, p := range snap.Pending {
		s.Cancel(p.ID)
	}
	shutdown(t, s)
}

func TestPublishesSchedulerEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s, err := NewWithPool(Config{Workers: 1}, logx.Nop(), bus)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	_, err = s.ScheduleOnce("evt", noop, 0)
	require.NoError(t, err)
	shutdown(t, s)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.TaskScheduled)
	assert.Contains(t, types, eventbus.TaskDispatched)
	assert.Contains(t, types, eventbus.TaskFinished)
	assert.Equal(t, eventbus.TaskScheduled, types[0])
}

type rejectingExec struct{ calls atomic.Int32 }

func (r *rejectingExec) Submit(pool.Item) error {
	r.calls.Add(1)
	return errors.New("no capacity")
}

func (r *rejectingExec) Shutdown(context.Context) error { return nil }

func TestRejectedDispatchRetiresTask(t *testing.T) {
	t.Parallel()
	exec := &rejectingExec{}
	s, err := New(Config{}, exec, logx.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	_, err = s.ScheduleAtFixedRate("rejected", noop, 0, 10*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 && s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	shutdown(t, s)

	snap := s.Snapshot()
	assert.Zero(t, snap.Dispatched)
	assert.Nil(t, snap.Pool)
}

func TestStartContextEndStopsRegistrations(t *testing.T) {
	t.Parallel()
	s, err := NewWithPool(Config{Workers: 1}, logx.Nop(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	var ran atomic.Bool
	_, err = s.ScheduleOnce("parked", func(context.Context) error {
		ran.Store(true)
		return nil
	}, time.Hour)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return !s.Snapshot().Running }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Snapshot().Stopping)
	assert.Zero(t, s.Pending())
	assert.EqualValues(t, 1, s.Snapshot().Canceled)

	_, err = s.ScheduleOnce("late", func(context.Context) error {
		ran.Store(true)
		return nil
	}, 0)
	assert.ErrorIs(t, err, ErrStopping)

	shutdown(t, s)
	assert.Zero(t, s.Pending())
	assert.False(t, ran.Load())
}

func TestDispatchWarnLimitersArePruned(t *testing.T) {
	t.Parallel()
	s, err := New(Config{}, &rejectingExec{}, logx.Nop(), nil)
	require.NoError(t, err)

	fail := errors.New("no capacity")
	s.reportDispatchError("a", fail)
	s.reportDispatchError("b", fail)
	s.reportDispatchError("a", fail)

	s.repMu.Lock()
	assert.Len(t, s.dispatchWarn, 2)
	s.pruneDispatchWarnLocked(time.Now().Add(dispatchWarnThrottle))
	left := len(s.dispatchWarn)
	s.repMu.Unlock()
	assert.Zero(t, left)

	// Refused-by-pool errors are expected while draining and never tracked.
	s.reportDispatchError("c", pool.ErrStopping)
	s.repMu.Lock()
	assert.Empty(t, s.dispatchWarn)
	s.repMu.Unlock()
}
