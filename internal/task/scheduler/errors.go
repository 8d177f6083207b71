package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDelay   = errors.New("delay must be >= 0")
	ErrInvalidPeriod  = errors.New("period must be > 0")
	ErrInvalidThreads = errors.New("scheduler threads must be >= 1")
	ErrInvalidCron    = errors.New("invalid cron expression")
	ErrNilFunc        = errors.New("task func is nil")
	ErrNilExecutor    = errors.New("executor is nil")
	ErrStopping       = errors.New("scheduler stopping")
)

// ConfigError is a registration or construction error. It is returned
// synchronously and nothing is registered.
type ConfigError struct {
	Field string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s=%v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(field string, value any, err error) error {
	return &ConfigError{Field: field, Value: value, Err: err}
}
