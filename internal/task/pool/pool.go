package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	logx "cadence/pkg/logx"
)

const defaultHistorySize = 200

// Pool runs Items on a fixed set of worker goroutines pulling from one
// unbounded FIFO ready queue. It knows nothing about time: callers decide
// when an item is ready.
type Pool struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	obs Observer

	// mu guards the ready queue and lifecycle flags; cond wakes idle workers.
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queuedItem
	started  bool
	stopping bool
	sup      *rtsup.Supervisor

	inFlight  atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64

	hmu     sync.Mutex
	history []RunRecord

	// Failure bursts are logged at Warn only while the limiter allows it.
	warnLimiter *rate.Limiter
}

type queuedItem struct {
	item       Item
	enqueuedAt time.Time
}

// New validates cfg and returns an idle pool. Call Start to spawn workers.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("pool: workers=%d: %w", cfg.Workers, ErrInvalidWorkers)
	}
	if cfg.DefaultTimeout < 0 {
		cfg.DefaultTimeout = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Workers returns the configured pool size.
func (p *Pool) Workers() int { return p.cfg.Workers }

// Start spawns cfg.Workers worker goroutines. ctx is the parent of every run
// context; cancelling it does not stop the workers, Shutdown does.
// Start is idempotent.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.startLocked(ctx)
	p.log.Info("worker pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queued", len(p.queue)))
	return nil
}

func (p *Pool) startLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		idx := i
		p.sup.Go0(fmt.Sprintf("worker.%d", idx), func(c context.Context) {
			p.worker(c, idx)
		})
	}
}

// Submit appends item to the tail of the ready queue and wakes one idle
// worker. It never blocks. Items submitted before Start wait for the workers.
func (p *Pool) Submit(item Item) error {
	if item.Run == nil {
		return ErrNilFunc
	}
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		item.Name = "task"
	}
	if item.ID == "" {
		item.ID = newID()
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrStopping
	}
	p.queue = append(p.queue, queuedItem{item: item, enqueuedAt: time.Now()})
	p.mu.Unlock()
	p.cond.Signal()

	p.submitted.Add(1)
	return nil
}

// Shutdown stops accepting new items, lets the workers drain everything that
// is already queued, and waits until every worker has exited. If ctx ends
// first, Shutdown returns ctx.Err() while the workers keep draining in the
// background. Calling it again waits again.
func (p *Pool) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	p.mu.Lock()
	first := !p.stopping
	p.stopping = true
	if !p.started && len(p.queue) > 0 {
		// Queued work is never dropped, even if Start was never called.
		p.startLocked(context.Background())
	}
	sup := p.sup
	queued := len(p.queue)
	p.mu.Unlock()
	p.cond.Broadcast()

	if first {
		p.log.Info("worker pool stopping", logx.Int("queued", queued), logx.Int("in_flight", int(p.inFlight.Load())))
	}
	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()), logx.Int("queued", p.QueueLen()))
		return ctx.Err()
	}
	if first {
		p.log.Info("worker pool stopped", logx.Duration("took", time.Since(start)), logx.Uint64("completed", p.completed.Load()))
	}
	return nil
}

// QueueLen returns the number of items waiting for a worker.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	n := len(p.queue)
	p.mu.Unlock()
	return n
}

// next blocks until an item is available or the pool is stopping with an
// empty queue, in which case ok is false.
func (p *Pool) next() (qi queuedItem, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.stopping {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return queuedItem{}, false
	}
	qi = p.queue[0]
	p.queue[0] = queuedItem{}
	p.queue = p.queue[1:]
	return qi, true
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	ql := len(p.queue)
	started := p.started
	stopping := p.stopping
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]RunRecord, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Workers:        p.cfg.Workers,
		Started:        started,
		Stopping:       stopping,
		QueueLen:       ql,
		InFlight:       int(p.inFlight.Load()),
		Submitted:      p.submitted.Load(),
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
		Panicked:       p.panicked.Load(),
		DefaultTimeout: p.cfg.DefaultTimeout,
		History:        h,
	}
}

func (p *Pool) record(rec RunRecord) {
	p.hmu.Lock()
	p.history = append(p.history, rec)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}
