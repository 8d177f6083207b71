package pool

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidWorkers = errors.New("worker count must be >= 1")
	ErrNilFunc        = errors.New("work item Run is nil")
	ErrStopping       = errors.New("worker pool stopping")
	ErrStopped        = errors.New("worker pool stopped")
)

// ExecError is a failure contained at the worker boundary: the item's Run
// returned an error or panicked.
type ExecError struct {
	TaskID     string
	Name       string
	Occurrence uint64
	Panic      any
	Err        error
}

func (e *ExecError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %s (%s) panicked: %v", e.Name, e.TaskID, e.Panic)
	}
	return fmt.Sprintf("task %s (%s) failed: %v", e.Name, e.TaskID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
