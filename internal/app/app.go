package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/observability/debugsrv"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	"cadence/internal/task/pool"
	"cadence/internal/task/scheduler"
	logx "cadence/pkg/logx"
)

// stopGrace bounds the stop steps that follow the scheduler shutdown.
const stopGrace = 5 * time.Second

// App wires the config, the scheduler with its worker pool, run history and
// the debug server into one daemon.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	history *historyWriter
	hsup    *rtsup.Supervisor

	// runCancel interrupts in-flight job commands once Stop gives up
	// waiting for them.
	runCancel context.CancelFunc

	sched *scheduler.Service
	jobs  *jobRegistry
	debug *debugsrv.Server

	logLevel string
}

// Option adjusts how New builds the App.
type Option func(*App)

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option {
	return func(a *App) { a.logLevel = strings.TrimSpace(level) }
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	bootLog := logx.NewConsole("info").With(logx.String("comp", "config"))
	a.cfgm = config.NewManager(cfgPath, bootLog)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(a.loggerConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.cfgm = config.NewManager(cfgPath, log.With(logx.String("comp", "config")))
	a.cfgm.Commit(cfg)

	a.bus = eventbus.New()

	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		a.closeStore()
		return nil, err
	}
	var poolOpts []pool.Option
	if a.store != nil {
		a.history = newHistoryWriter(a.store, log.With(logx.String("comp", "history")))
		poolOpts = append(poolOpts, pool.WithObserver(a.history))
		a.log.Info("run history enabled", logx.String("driver", sc.Driver))
	}
	a.sched, err = scheduler.NewWithPool(schedCfg, log.With(logx.String("comp", "scheduler")), a.bus, poolOpts...)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.jobs = newJobRegistry(a.sched, log.With(logx.String("comp", "jobs")))

	a.debug = debugsrv.New(debugConfig(cfg), debugsrv.Sources{
		Scheduler: a.sched.Snapshot,
		Runs:      a.store,
		Counters:  a.counters,
	}, log)
	return a, nil
}

func (a *App) loggerConfig(cfg *config.Config) logx.Config {
	lc := cfg.LoggerConfig()
	if a.logLevel != "" {
		lc.Level = a.logLevel
	}
	return lc
}

func debugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.DebugAddr(),
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		// Profiles and traces stream for up to their requested duration.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

func (a *App) counters() rtsup.Counters {
	if a.sup == nil {
		return rtsup.Counters{}
	}
	return a.sup.Counters()
}

// Scheduler exposes the scheduler, mainly for tests and the debug server.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Config returns the committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start registers the configured jobs and starts the scheduler, the history
// writer, the debug server and the config watch.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// The scheduler, its workers and the history writer only stop through
	// Stop, after the supervisor has already been canceled.
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.runCancel = runCancel
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	if a.history != nil {
		a.hsup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log))
		a.hsup.Go0("history.write", a.history.run)
	}

	if err := a.jobs.Apply(a.cfgm.Get().Jobs); err != nil {
		return err
	}

	a.debug.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.logEvent(e)
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("jobs", len(a.jobs.IDs())),
		logx.Int("workers", a.sched.Pool().Workers()),
		logx.String("shutdown_policy", a.sched.Snapshot().ShutdownPolicy),
	)
	return nil
}

// logEvent keeps frequent scheduler chatter at debug level; failures are
// already logged by the pool.
func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case scheduler.TaskEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("task", d.Name), logx.Uint64("occurrence", d.Occurrence))
	case pool.TaskEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("task", d.Name), logx.Uint64("occurrence", d.Occurrence))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// Stop shuts everything down within ctx. Scheduler shutdown follows the
// configured policy; the other steps get short bounded slices.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Background loops (config watch, event log) can go right away.
	a.sup.Cancel()

	schedErr := a.sched.Shutdown(ctx)
	if schedErr != nil {
		a.log.Warn("scheduler shutdown incomplete; interrupting running jobs", logx.Err(schedErr))
	}
	a.runCancel()

	// A drain cut short leaves ctx expired; the remaining steps get their
	// own budget so interrupted runs still reach the history.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()

	// Workers report their last runs to the history writer before it stops,
	// and the writer is done before storage closes.
	workersDone := a.step(stopCtx, "workers", 2*time.Second, func(c context.Context) error {
		if p := a.sched.Pool(); p != nil {
			return p.Shutdown(c)
		}
		return nil
	})
	a.step(stopCtx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	historyDone := a.step(stopCtx, "history", 2*time.Second, func(c context.Context) error {
		if a.hsup == nil {
			return nil
		}
		return a.hsup.Stop(c)
	})
	if workersDone && historyDone {
		a.step(stopCtx, "storage", time.Second, func(c context.Context) error { return a.closeStoreErr() })
	} else {
		a.log.Warn("run history still busy; leaving storage open")
	}
	a.step(stopCtx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return schedErr
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It reports whether fn returned in time.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) bool {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// WithTimeout never extends the caller's deadline.
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		return false
	}
	return true
}

func (a *App) closeStore() { _ = a.closeStoreErr() }

func (a *App) closeStoreErr() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
