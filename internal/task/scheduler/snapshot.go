package scheduler

import (
	"sort"
	"time"

	"cadence/internal/task/pool"
)

type poolSnapshotter interface {
	Snapshot() pool.Snapshot
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	items := make([]TaskInfo, 0, len(s.pending))
	for _, t := range s.pending {
		items = append(items, TaskInfo{
			ID:         t.id,
			Name:       t.name,
			Kind:       t.kind.String(),
			Interval:   t.interval,
			Spec:       t.spec,
			NextRun:    t.nextRun.Round(0),
			Occurrence: t.occurrence,
		})
	}
	started := s.started
	stopping := s.stopping
	awaiting := s.awaiting
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].NextRun.Before(items[j].NextRun) })

	running := started
	if started {
		select {
		case <-s.done:
			running = false
		default:
		}
	}

	out := Snapshot{
		Running:            running,
		Stopping:           stopping,
		ShutdownPolicy:     s.cfg.ShutdownPolicy.String(),
		FixedDelayMode:     s.cfg.FixedDelayMode.String(),
		Timezone:           s.loc.String(),
		Scheduled:          s.scheduled.Load(),
		Dispatched:         s.dispatched.Load(),
		Canceled:           s.canceled.Load(),
		AwaitingCompletion: awaiting,
		Pending:            items,
	}
	if ps, ok := s.exec.(poolSnapshotter); ok {
		snap := ps.Snapshot()
		out.Pool = &snap
	}
	return out
}

// NextRun returns the due time of the earliest pending task.
func (s *Service) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pending.peek()
	if t == nil {
		return time.Time{}, false
	}
	return t.nextRun.Round(0), true
}
