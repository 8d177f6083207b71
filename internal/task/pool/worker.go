package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

// slowRun is the duration above which successful runs are logged at Info.
const slowRun = 750 * time.Millisecond

// TaskEvent is published on the event bus for run lifecycle events.
type TaskEvent struct {
	RunID      string        `json:"run_id"`
	TaskID     string        `json:"task_id"`
	Name       string        `json:"name"`
	Occurrence uint64        `json:"occurrence"`
	Worker     int           `json:"worker"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

func newID() string { return uuid.NewString() }

func (p *Pool) worker(ctx context.Context, idx int) {
	for {
		qi, ok := p.next()
		if !ok {
			return
		}
		p.inFlight.Add(1)
		p.execOne(ctx, idx, qi)
		p.inFlight.Add(-1)
	}
}

// execOne runs a single item. Errors and panics stop here: they are turned
// into an ExecError on the RunRecord and never reach the worker loop.
func (p *Pool) execOne(ctx context.Context, idx int, qi queuedItem) {
	it := qi.item
	start := time.Now()
	queueDelay := start.Sub(qi.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	rec := RunRecord{
		RunID:      newID(),
		TaskID:     it.ID,
		Name:       it.Name,
		Occurrence: it.Occurrence,
		Worker:     idx,
		Enqueued:   qi.enqueuedAt,
		Started:    start,
		QueueDelay: queueDelay,
	}

	p.log.Trace("task.started", logx.String("task", it.Name), logx.Int("worker", idx), logx.Duration("queue_delay", queueDelay))
	p.publish(eventbus.TaskStarted, start, rec)

	timeout := it.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	var (
		err error
		pan any
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				pan = r
				p.log.Error("task.panic", logx.String("task", it.Name), logx.String("id", it.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = it.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	rec.Duration = time.Since(start)
	if pan != nil || err != nil {
		ee := &ExecError{TaskID: it.ID, Name: it.Name, Occurrence: it.Occurrence, Panic: pan, Err: err}
		if pan != nil {
			ee.Err = fmt.Errorf("panic: %v", pan)
			rec.Panicked = true
			p.panicked.Add(1)
		}
		rec.Err = ee
		rec.Error = ee.Err.Error()
		p.failed.Add(1)

		fields := []logx.Field{logx.String("task", it.Name), logx.String("id", it.ID), logx.Uint64("occurrence", it.Occurrence), logx.Err(ee.Err), logx.Duration("dur", rec.Duration)}
		if p.warnLimiter.Allow() {
			p.log.Warn("task.failed", fields...)
		} else {
			p.log.Debug("task.failed", fields...)
		}
		p.publish(eventbus.TaskFailed, time.Now(), rec)
	} else {
		p.completed.Add(1)
		if rec.Duration >= slowRun {
			p.log.Info("task.completed", logx.String("task", it.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", rec.Duration))
		} else {
			p.log.Debug("task.completed", logx.String("task", it.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", rec.Duration))
		}
		p.publish(eventbus.TaskFinished, time.Now(), rec)
	}

	p.record(rec)
	p.notify(it, rec)
}

// notify hands rec to the observer and the item's completion callback.
// Both are user code, so a panic in either is contained here as well.
func (p *Pool) notify(it Item, rec RunRecord) {
	call := func(what string, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("run callback panicked", logx.String("callback", what), logx.String("task", it.Name), logx.Any("panic", r))
			}
		}()
		fn()
	}
	if p.obs != nil {
		call("observer", func() { p.obs.ObserveRun(rec) })
	}
	if it.OnDone != nil {
		call("on_done", func() { it.OnDone(rec) })
	}
}

func (p *Pool) publish(typ string, at time.Time, rec RunRecord) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: TaskEvent{
		RunID:      rec.RunID,
		TaskID:     rec.TaskID,
		Name:       rec.Name,
		Occurrence: rec.Occurrence,
		Worker:     rec.Worker,
		Started:    rec.Started,
		QueueDelay: rec.QueueDelay,
		Duration:   rec.Duration,
		Error:      rec.Error,
	}})
}
