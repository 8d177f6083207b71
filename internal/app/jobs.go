package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"cadence/internal/config"
	"cadence/internal/task/pool"
	"cadence/internal/task/scheduler"
	logx "cadence/pkg/logx"
)

const (
	maxCapturedOutput = 4 << 10
	commandWaitDelay  = 5 * time.Second
)

// Scheduler is the part of scheduler.Service the job registry drives.
type Scheduler interface {
	ScheduleOnce(name string, fn pool.Func, delay time.Duration, opts ...scheduler.TaskOption) (scheduler.TaskID, error)
	ScheduleAtFixedRate(name string, fn pool.Func, initialDelay, period time.Duration, opts ...scheduler.TaskOption) (scheduler.TaskID, error)
	ScheduleWithFixedDelay(name string, fn pool.Func, initialDelay, delay time.Duration, opts ...scheduler.TaskOption) (scheduler.TaskID, error)
	ScheduleCron(name, spec string, fn pool.Func, opts ...scheduler.TaskOption) (scheduler.TaskID, error)
	Cancel(id scheduler.TaskID) bool
}

type jobHandle struct {
	id   scheduler.TaskID
	hash uint64
}

// jobRegistry keeps the configured jobs registered with the scheduler and
// reconciles them when the config changes.
type jobRegistry struct {
	sched Scheduler
	log   logx.Logger

	mu   sync.Mutex
	jobs map[string]jobHandle
}

func newJobRegistry(sched Scheduler, log logx.Logger) *jobRegistry {
	return &jobRegistry{sched: sched, log: log, jobs: map[string]jobHandle{}}
}

// Apply brings the registered set in line with jobs. Unchanged jobs keep
// their pending occurrence; changed ones are canceled and registered again.
// Errors are collected so one bad job does not block the rest.
func (r *jobRegistry) Apply(jobs []config.JobConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]config.JobConfig, len(jobs))
	for _, j := range jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" || j.Disabled {
			continue
		}
		want[name] = j
	}

	for name, h := range r.jobs {
		j, ok := want[name]
		if ok && config.HashJob(j) == h.hash {
			continue
		}
		r.sched.Cancel(h.id)
		delete(r.jobs, name)
		r.log.Info("job unregistered", logx.String("job", name), logx.Bool("replaced", ok))
	}

	var errs []error
	for name, j := range want {
		if _, ok := r.jobs[name]; ok {
			continue
		}
		id, err := r.register(j)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		r.jobs[name] = jobHandle{id: id, hash: config.HashJob(j)}
	}
	return errors.Join(errs...)
}

// IDs returns the task id of every registered job by name.
func (r *jobRegistry) IDs() map[string]scheduler.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]scheduler.TaskID, len(r.jobs))
	for name, h := range r.jobs {
		out[name] = h.id
	}
	return out
}

func (r *jobRegistry) register(j config.JobConfig) (scheduler.TaskID, error) {
	name := strings.TrimSpace(j.Name)
	ps, err := scheduler.ParseSchedule(j.Schedule)
	if err != nil {
		return "", err
	}
	initial, err := config.ParseDurationField("initial_delay", j.InitialDelay)
	if err != nil {
		return "", err
	}
	timeout, err := config.ParseDurationField("timeout", j.Timeout)
	if err != nil {
		return "", err
	}

	var opts []scheduler.TaskOption
	if timeout > 0 {
		opts = append(opts, scheduler.WithTimeout(timeout))
	}
	run := commandFunc(j, r.log.With(logx.String("job", name)))

	first := ps.Every
	if strings.TrimSpace(j.InitialDelay) != "" {
		first = initial
	}
	if j.Spread && ps.Kind != scheduler.KindCron {
		first += scheduler.StartupSpread(ps.Every, name)
	}

	var id scheduler.TaskID
	switch ps.Kind {
	case scheduler.KindOnce:
		id, err = r.sched.ScheduleOnce(name, run, first, opts...)
	case scheduler.KindFixedDelay:
		id, err = r.sched.ScheduleWithFixedDelay(name, run, first, ps.Every, opts...)
	case scheduler.KindCron:
		id, err = r.sched.ScheduleCron(name, ps.Cron, run, opts...)
	default:
		id, err = r.sched.ScheduleAtFixedRate(name, run, first, ps.Every, opts...)
	}
	if err != nil {
		return "", err
	}
	r.log.Info("job registered",
		logx.String("job", name),
		logx.String("schedule", ps.String()),
		logx.String("id", string(id)),
	)
	return id, nil
}

// commandFunc runs the job's command with the run context. A non-zero exit
// becomes the run error together with the tail of the output.
func commandFunc(j config.JobConfig, log logx.Logger) pool.Func {
	argv := append([]string(nil), j.Command...)
	dir := strings.TrimSpace(j.Dir)
	env := append([]string(nil), j.Env...)
	name := strings.TrimSpace(j.Name)

	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return errors.New("empty command")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "CADENCE_JOB="+name)
		cmd.Env = append(cmd.Env, env...)
		cmd.WaitDelay = commandWaitDelay

		out := &tailBuffer{max: maxCapturedOutput}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w (%v)", ctx.Err(), err)
			}
			if tail := strings.TrimSpace(out.String()); tail != "" {
				return fmt.Errorf("%w: %s", err, tail)
			}
			return err
		}
		log.Debug("job command finished",
			logx.Duration("took", took),
			logx.String("output", strings.TrimSpace(out.String())),
		)
		return nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.max {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.max:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
