package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/task/pool"
	logx "cadence/pkg/logx"
)

const dispatchWarnThrottle = 5 * time.Second

func (s *Service) reportDispatchError(name string, err error) {
	if err == nil {
		return
	}
	// The pool refuses work once it is shutting down; that is expected
	// while draining.
	if errors.Is(err, pool.ErrStopping) {
		s.log.Debug("dispatch refused by stopping pool", logx.String("task", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.repMu.Lock()
	s.pruneDispatchWarnLocked(now)
	lim := s.dispatchWarn[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(dispatchWarnThrottle), 1)
		s.dispatchWarn[name] = lim
	}
	s.repMu.Unlock()

	if !lim.AllowN(now, 1) {
		return
	}
	s.log.Warn("failed to hand task to pool", logx.String("task", name), logx.Err(err))
}

// pruneDispatchWarnLocked forgets limiters that have fully refilled; they
// behave exactly like new ones.
func (s *Service) pruneDispatchWarnLocked(now time.Time) {
	for name, lim := range s.dispatchWarn {
		if lim.TokensAt(now) >= 1 {
			delete(s.dispatchWarn, name)
		}
	}
}
