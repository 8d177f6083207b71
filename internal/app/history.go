package app

import (
	"context"
	"sync/atomic"
	"time"

	"cadence/internal/storage"
	"cadence/internal/task/pool"
	logx "cadence/pkg/logx"
)

const (
	historyBuffer       = 1024
	historyWriteTimeout = 2 * time.Second
)

// historyWriter persists RunRecords off the worker goroutines. ObserveRun
// never blocks: when the buffer is full the record is dropped and counted.
type historyWriter struct {
	store storage.Store
	log   logx.Logger
	ch    chan storage.RunEntry

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func newHistoryWriter(store storage.Store, log logx.Logger) *historyWriter {
	return &historyWriter{store: store, log: log, ch: make(chan storage.RunEntry, historyBuffer)}
}

func (h *historyWriter) ObserveRun(rec pool.RunRecord) {
	select {
	case h.ch <- toRunEntry(rec):
	default:
		if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
			h.log.Warn("run history buffer full; dropping", logx.Uint64("dropped", n))
		}
	}
}

// run drains the buffer until ctx ends, then flushes whatever is left.
func (h *historyWriter) run(ctx context.Context) {
	for {
		select {
		case e := <-h.ch:
			h.write(e)
		case <-ctx.Done():
			h.flush()
			return
		}
	}
}

func (h *historyWriter) flush() {
	for {
		select {
		case e := <-h.ch:
			h.write(e)
		default:
			return
		}
	}
}

func (h *historyWriter) write(e storage.RunEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := h.store.AppendRun(ctx, e); err != nil {
		h.failed.Add(1)
		h.log.Warn("run history write failed", logx.String("task", e.Name), logx.Err(err))
		return
	}
	h.written.Add(1)
}

func toRunEntry(rec pool.RunRecord) storage.RunEntry {
	return storage.RunEntry{
		RunID:        rec.RunID,
		TaskID:       rec.TaskID,
		Name:         rec.Name,
		Occurrence:   rec.Occurrence,
		Worker:       rec.Worker,
		Enqueued:     rec.Enqueued.Round(0),
		Started:      rec.Started.Round(0),
		QueueDelayMS: rec.QueueDelay.Milliseconds(),
		TookMS:       rec.Duration.Milliseconds(),
		OK:           !rec.Failed(),
		Panicked:     rec.Panicked,
		Error:        rec.Error,
	}
}
