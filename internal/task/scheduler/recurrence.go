package scheduler

import "time"

// computeNextRun returns the next due time of t after it was handed off at
// anchor. anchor is the dispatch time, or the completion time for
// fixed-delay tasks in completion mode. ok is false when the task ends.
//
// It is pure: the timing loop stays kind-agnostic and the rules can be
// tested without a clock.
func computeNextRun(t task, anchor time.Time) (next time.Time, ok bool) {
	switch t.kind {
	case KindFixedRate:
		return t.nextRun.Add(t.interval), true
	case KindFixedDelay:
		return anchor.Add(t.interval), true
	case KindCron:
		return nextCron(t, anchor)
	default:
		return time.Time{}, false
	}
}

// nextCron evaluates the cron schedule on the wall clock and converts the
// result into an offset from anchor, so the returned time keeps anchor's
// monotonic reading.
func nextCron(t task, anchor time.Time) (time.Time, bool) {
	if t.cron == nil {
		return time.Time{}, false
	}
	loc := t.loc
	if loc == nil {
		loc = time.Local
	}
	wall := anchor.Round(0).In(loc)
	n := t.cron.Next(wall)
	if n.IsZero() {
		return time.Time{}, false
	}
	return anchor.Add(n.Sub(wall)), true
}
