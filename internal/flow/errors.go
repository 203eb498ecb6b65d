package flow

import (
	"errors"
	"fmt"
)

// ConfigError reports a malformed flow configuration: duplicate or
// unknown steps, unreachable steps, or cycles. Detected at construction;
// a flow with a ConfigError must never be run. Fatal at startup.
type ConfigError struct {
	Flow    string
	Step    string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("malformed flow %q: step %q: %s", e.Flow, e.Step, e.Message)
	}
	return fmt.Sprintf("malformed flow %q: %s", e.Flow, e.Message)
}

// IsConfigError reports whether err is a flow ConfigError.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// UnresolvedBranchError reports that a branch rule could not be evaluated
// because a required answer was never collected. Fatal to the traversal
// that raised it; reported to the caller, never retried.
type UnresolvedBranchError struct {
	Flow       string
	Step       string
	QuestionID string
}

// Error implements the error interface.
func (e *UnresolvedBranchError) Error() string {
	return fmt.Sprintf("unresolved branch at step %q of flow %q: no answer for question %q", e.Step, e.Flow, e.QuestionID)
}

// IsUnresolvedBranch reports whether err is an UnresolvedBranchError.
func IsUnresolvedBranch(err error) bool {
	var ube *UnresolvedBranchError
	return errors.As(err, &ube)
}

// ErrTraversalFinished is returned by Advance after the traversal has
// reached a terminal step or been canceled.
var ErrTraversalFinished = errors.New("traversal already finished")
