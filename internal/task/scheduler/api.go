package scheduler

import (
	"container/heap"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/internal/task/pool"
	logx "cadence/pkg/logx"
)

// ScheduleOnce runs fn a single time, delay after the call. A zero delay
// means the task is due immediately.
func (s *Service) ScheduleOnce(name string, fn pool.Func, delay time.Duration, opts ...TaskOption) (TaskID, error) {
	if delay < 0 {
		return "", configErr("delay", delay, ErrInvalidDelay)
	}
	return s.add(&task{name: name, run: fn, kind: KindOnce}, delay, opts)
}

// ScheduleAtFixedRate runs fn at initialDelay + n*period. The grid is fixed
// at registration: late runs do not shift it, and occurrences missed while
// the pool was busy all fire back to back once it catches up.
func (s *Service) ScheduleAtFixedRate(name string, fn pool.Func, initialDelay, period time.Duration, opts ...TaskOption) (TaskID, error) {
	if initialDelay < 0 {
		return "", configErr("initial_delay", initialDelay, ErrInvalidDelay)
	}
	if period <= 0 {
		return "", configErr("period", period, ErrInvalidPeriod)
	}
	return s.add(&task{name: name, run: fn, kind: KindFixedRate, interval: period}, initialDelay, opts)
}

// ScheduleWithFixedDelay runs fn first after initialDelay and then delay
// after each hand-off (or after each completion in FixedDelayFromCompletion
// mode). In the default mode a run longer than delay overlaps the next one.
func (s *Service) ScheduleWithFixedDelay(name string, fn pool.Func, initialDelay, delay time.Duration, opts ...TaskOption) (TaskID, error) {
	if initialDelay < 0 {
		return "", configErr("initial_delay", initialDelay, ErrInvalidDelay)
	}
	if delay <= 0 {
		return "", configErr("delay", delay, ErrInvalidPeriod)
	}
	return s.add(&task{name: name, run: fn, kind: KindFixedDelay, interval: delay}, initialDelay, opts)
}

// ScheduleCron runs fn at every instant matched by spec, evaluated in the
// configured timezone. Each next instant is turned into an offset from the
// dispatch time, so wall-clock jumps between two runs are not observed.
func (s *Service) ScheduleCron(name, spec string, fn pool.Func, opts ...TaskOption) (TaskID, error) {
	spec = strings.TrimSpace(spec)
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return "", configErr("cron", spec, fmt.Errorf("%w: %v", ErrInvalidCron, err))
	}
	t := &task{name: name, run: fn, kind: KindCron, spec: spec, cron: sched, loc: s.loc}
	first, ok := nextCron(*t, time.Now())
	if !ok {
		return "", configErr("cron", spec, fmt.Errorf("%w: no future occurrence", ErrInvalidCron))
	}
	return s.add(t, time.Until(first), opts)
}

// Schedule registers fn from a schedule string (see ParseSchedule). Fixed
// rate and fixed delay forms wait one period before the first run.
func (s *Service) Schedule(name, raw string, fn pool.Func, opts ...TaskOption) (TaskID, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return "", configErr("schedule", raw, err)
	}
	switch ps.Kind {
	case KindOnce:
		return s.ScheduleOnce(name, fn, ps.Every, opts...)
	case KindFixedDelay:
		return s.ScheduleWithFixedDelay(name, fn, ps.Every, ps.Every, opts...)
	case KindCron:
		return s.ScheduleCron(name, ps.Cron, fn, opts...)
	default:
		return s.ScheduleAtFixedRate(name, fn, ps.Every, ps.Every, opts...)
	}
}

func (s *Service) add(t *task, delay time.Duration, opts []TaskOption) (TaskID, error) {
	if t.run == nil {
		return "", configErr("func", nil, ErrNilFunc)
	}
	if delay < 0 {
		delay = 0
	}
	for _, o := range opts {
		o(t)
	}
	t.name = strings.TrimSpace(t.name)
	if t.name == "" {
		t.name = t.kind.String()
	}
	t.id = TaskID(uuid.NewString())
	t.occurrence = 1
	t.nextRun = time.Now().Add(delay)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return "", ErrStopping
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.pending, t)
	s.tasks[t.id] = t
	info := *t
	// Published under the lock so it always precedes the dispatch event.
	s.publish(eventbus.TaskScheduled, info, time.Now())
	s.mu.Unlock()

	s.signal()
	s.scheduled.Add(1)
	s.log.Debug("task scheduled",
		logx.String("task", info.name),
		logx.String("id", string(info.id)),
		logx.String("kind", info.kind.String()),
		logx.Duration("delay", delay),
		logx.Duration("interval", info.interval),
	)
	return info.id, nil
}

// Cancel removes the task from the pending set. A run already handed to the
// pool is not interrupted, but no further occurrence is scheduled. It
// reports whether the task was still registered.
func (s *Service) Cancel(id TaskID) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tasks, id)
	if t.index >= 0 && t.index < len(s.pending) && s.pending[t.index] == t {
		heap.Remove(&s.pending, t.index)
	}
	info := *t
	s.mu.Unlock()

	s.signal()
	s.canceled.Add(1)
	s.log.Debug("task canceled", logx.String("task", info.name), logx.String("id", string(id)))
	s.publish(eventbus.TaskCanceled, info, time.Now())
	return true
}

// Pending returns the number of tasks waiting in the pending set.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
