package task

import (
	"errors"
	"fmt"
)

// TransitionError reports a task state machine misuse: an operation was
// requested on a task whose current state does not permit it.
//
// This is a programmer (or stale-UI) error, never retried. Callers surface
// it immediately rather than feeding it to any backoff policy.
type TransitionError struct {
	// TaskID identifies the affected occurrence.
	TaskID string

	// From is the state the task was in when the operation was requested.
	From State

	// Op names the rejected operation ("done", "cancel", "start").
	Op string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s task %s in state %s", e.Op, e.TaskID, e.From)
}

// IsInvalidTransition reports whether err is a TransitionError.
// Uses errors.As to handle wrapped errors.
func IsInvalidTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// ErrNotFound is returned by engine operations referencing a task id that
// is not in the current task set.
var ErrNotFound = errors.New("task not found")
