package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/task/pool"
	logx "cadence/pkg/logx"
)

// Service owns the pending set and the timing goroutine. Due tasks are handed
// to the Executor; the scheduler never runs task code itself.
type Service struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	exec Executor
	pool *pool.Pool // set when the service built and owns the pool
	loc  *time.Location

	// mu guards everything below up to the counters. It is never held while
	// calling into the executor.
	mu       sync.Mutex
	pending  pendingQueue
	tasks    map[TaskID]*task // live registrations, pending or being handed off
	seq      uint64
	started  bool
	stopping bool
	shut     bool // Shutdown has been called
	abort    bool // drain given up: drop pending, no re-inserts
	awaiting int  // completion-mode tasks whose run is in flight
	sup      *rtsup.Supervisor

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	scheduled  atomic.Uint64
	dispatched atomic.Uint64
	canceled   atomic.Uint64

	repMu        sync.Mutex
	dispatchWarn map[string]*rate.Limiter
}

// New validates cfg and returns an idle scheduler feeding exec.
func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if exec == nil {
		return nil, configErr("executor", nil, ErrNilExecutor)
	}
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SchedulerThreads > 1 {
		log.Debug("extra scheduler threads ignored; one timing goroutine serves all tasks",
			logx.Int("requested", cfg.SchedulerThreads))
	}
	return &Service{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		exec:         exec,
		loc:          loc,
		tasks:        map[TaskID]*task{},
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		dispatchWarn: map[string]*rate.Limiter{},
	}, nil
}

// NewWithPool builds a worker pool of cfg.Workers goroutines and a scheduler
// that owns it: Start and Shutdown cover both.
func NewWithPool(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...pool.Option) (*Service, error) {
	if _, err := normalizeConfig(cfg); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p, err := pool.New(pool.Config{
		Workers:        cfg.Workers,
		DefaultTimeout: cfg.DefaultTimeout,
		HistorySize:    cfg.HistorySize,
	}, log.With(logx.String("comp", "pool")), bus, opts...)
	if err != nil {
		if errors.Is(err, pool.ErrInvalidWorkers) {
			return nil, configErr("workers", cfg.Workers, pool.ErrInvalidWorkers)
		}
		return nil, err
	}
	s, err := New(cfg, p, log, bus)
	if err != nil {
		return nil, err
	}
	s.pool = p
	return s, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.SchedulerThreads < 0 {
		return cfg, configErr("scheduler_threads", cfg.SchedulerThreads, ErrInvalidThreads)
	}
	if cfg.SchedulerThreads == 0 {
		cfg.SchedulerThreads = 1
	}
	switch cfg.ShutdownPolicy {
	case ShutdownDrain, ShutdownCancelPending:
	default:
		return cfg, configErr("shutdown_policy", int(cfg.ShutdownPolicy), errors.New("unknown shutdown policy"))
	}
	switch cfg.FixedDelayMode {
	case FixedDelayFromDispatch, FixedDelayFromCompletion:
	default:
		return cfg, configErr("fixed_delay_mode", int(cfg.FixedDelayMode), errors.New("unknown fixed delay mode"))
	}
	return cfg, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, configErr("timezone", tz, err)
	}
	return loc, nil
}

// Pool returns the owned pool, or nil when the executor was supplied by the
// caller.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Start launches the timing goroutine, and the owned pool if any. Tasks
// registered earlier start counting from their registration time, not from
// Start. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopping
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.startLocked(ctx)
	n := len(s.pending)
	s.mu.Unlock()

	// Items handed off before the workers exist simply wait in the queue.
	if s.pool != nil {
		if err := s.pool.Start(ctx); err != nil {
			return err
		}
	}

	s.log.Info("scheduler started",
		logx.Int("pending", n),
		logx.String("shutdown_policy", s.cfg.ShutdownPolicy.String()),
		logx.String("fixed_delay_mode", s.cfg.FixedDelayMode.String()),
		logx.String("tz", s.loc.String()),
	)
	return nil
}

func (s *Service) startLocked(ctx context.Context) {
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.started = true
	sup := s.sup
	sup.Go0("timing", func(c context.Context) {
		defer close(s.done)
		s.run(c)
	})
}

// Shutdown stops accepting registrations, lets the timing goroutine finish
// per the shutdown policy and then shuts the executor down, which drains
// its queue and joins its workers.
//
// With ShutdownDrain, recurring tasks keep the pending set non-empty, so
// Shutdown only returns once ctx ends. At that point remaining tasks are
// dropped, the executor is shut down with the same ctx and ctx.Err() is
// returned.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	first := !s.shut
	s.shut = true
	s.stopping = true
	lateStart := !s.started && len(s.pending) > 0 && s.cfg.ShutdownPolicy == ShutdownDrain
	if lateStart {
		// Pending work registered before Start still has to run.
		s.startLocked(context.Background())
	}
	started := s.started
	n := len(s.pending)
	s.mu.Unlock()

	if lateStart && s.pool != nil {
		_ = s.pool.Start(context.Background())
	}

	if first {
		close(s.stopCh)
		s.log.Info("scheduler shutdown requested",
			logx.String("policy", s.cfg.ShutdownPolicy.String()),
			logx.Int("pending", n),
		)
	}

	var err error
	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
			s.mu.Lock()
			s.abort = true
			s.mu.Unlock()
			s.signal()
			<-s.done
			s.log.Warn("scheduler drain cut short", logx.Err(err))
		}
	}
	// Covers a loop that never started and one that already exited
	// because its Start context ended.
	s.dropPending("shutdown")

	if perr := s.exec.Shutdown(ctx); perr != nil && err == nil {
		err = perr
	}
	if first {
		s.log.Info("scheduler stopped", logx.Uint64("dispatched", s.dispatched.Load()))
	}
	return err
}

// signal wakes the timing goroutine without blocking.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the timing goroutine: sleep until the earliest task is due, pop
// it, hand it to the executor, re-insert recurring tasks, repeat.
func (s *Service) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	stopCh := s.stopCh
	for {
		s.mu.Lock()
		if s.stopping && (s.abort || s.cfg.ShutdownPolicy == ShutdownCancelPending) {
			s.dropPendingLocked("shutdown")
		}
		if len(s.pending) == 0 {
			if s.stopping && (s.awaiting == 0 || s.abort || s.cfg.ShutdownPolicy == ShutdownCancelPending) {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-stopCh:
				stopCh = nil
			case <-ctx.Done():
				s.halt()
				return
			}
			continue
		}

		next := s.pending.peek()
		now := time.Now()
		if now.Before(next.nextRun) {
			wait := next.nextRun.Sub(now)
			s.mu.Unlock()
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				stopTimer(timer)
			case <-stopCh:
				stopTimer(timer)
				stopCh = nil
			case <-ctx.Done():
				stopTimer(timer)
				s.halt()
				return
			}
			continue
		}

		t := heap.Pop(&s.pending).(*task)
		completion := t.kind == KindFixedDelay && s.cfg.FixedDelayMode == FixedDelayFromCompletion
		if completion {
			s.awaiting++
		}
		s.mu.Unlock()

		s.dispatch(t, completion)
	}
}

// dispatch hands t to the executor and schedules its next occurrence.
// Called without s.mu held.
func (s *Service) dispatch(t *task, completion bool) {
	cur := *t
	item := pool.Item{
		ID:         string(cur.id),
		Name:       cur.name,
		Run:        cur.run,
		Timeout:    cur.timeout,
		Occurrence: cur.occurrence,
		DueAt:      cur.nextRun,
	}
	if completion {
		item.OnDone = func(pool.RunRecord) { s.reinsert(cur, time.Now(), true) }
	}

	err := s.exec.Submit(item)
	dispatchedAt := time.Now()
	if err != nil {
		s.reportDispatchError(cur.name, err)
		s.retire(cur.id, completion)
		return
	}
	s.dispatched.Add(1)
	lag := dispatchedAt.Sub(cur.nextRun)
	s.log.Trace("task dispatched",
		logx.String("task", cur.name),
		logx.String("id", string(cur.id)),
		logx.Uint64("occurrence", cur.occurrence),
		logx.Duration("lag", lag),
	)
	s.publish(eventbus.TaskDispatched, cur, dispatchedAt)

	if completion {
		return
	}
	s.reinsert(cur, dispatchedAt, false)
}

// reinsert pushes the next occurrence of t, unless t ended, was canceled or
// the scheduler is discarding pending work.
func (s *Service) reinsert(t task, anchor time.Time, completion bool) {
	next, ok := computeNextRun(t, anchor)

	s.mu.Lock()
	if completion {
		s.awaiting--
	}
	_, live := s.tasks[t.id]
	dropping := s.stopping && (s.abort || s.cfg.ShutdownPolicy == ShutdownCancelPending)
	if !ok || !live || dropping {
		delete(s.tasks, t.id)
		s.mu.Unlock()
		if completion {
			s.signal()
		}
		return
	}
	n := t
	n.nextRun = next
	n.occurrence++
	s.seq++
	n.seq = s.seq
	heap.Push(&s.pending, &n)
	s.tasks[n.id] = &n
	s.mu.Unlock()

	if completion {
		s.signal()
	}
}

func (s *Service) retire(id TaskID, completion bool) {
	s.mu.Lock()
	delete(s.tasks, id)
	if completion {
		s.awaiting--
	}
	s.mu.Unlock()
}

// halt ends the service once the Start context is done: further
// registrations fail with ErrStopping and pending tasks are discarded.
func (s *Service) halt() {
	s.mu.Lock()
	s.stopping = true
	s.abort = true
	s.dropPendingLocked("context done")
	s.mu.Unlock()
}

func (s *Service) dropPending(reason string) {
	s.mu.Lock()
	s.dropPendingLocked(reason)
	s.mu.Unlock()
}

func (s *Service) dropPendingLocked(reason string) {
	if len(s.pending) == 0 {
		return
	}
	dropped := make([]task, 0, len(s.pending))
	for _, t := range s.pending {
		t.index = -1
		delete(s.tasks, t.id)
		dropped = append(dropped, *t)
	}
	s.pending = s.pending[:0]
	s.canceled.Add(uint64(len(dropped)))
	s.log.Info("pending tasks discarded", logx.Int("count", len(dropped)), logx.String("reason", reason))
	now := time.Now()
	for _, t := range dropped {
		s.publish(eventbus.TaskCanceled, t, now)
	}
}

// TaskEvent is the bus payload for scheduler-side events.
type TaskEvent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Occurrence uint64    `json:"occurrence"`
	NextRun    time.Time `json:"next_run"`
}

func (s *Service) publish(typ string, t task, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: TaskEvent{
		ID:         string(t.id),
		Name:       t.name,
		Kind:       t.kind.String(),
		Occurrence: t.occurrence,
		NextRun:    t.nextRun.Round(0),
	}})
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
