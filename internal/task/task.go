package task

import (
	"time"
)

// State is the lifecycle state of a single task occurrence.
//
// Allowed transitions:
//
//	Scheduled → Active        (window opened)
//	Active    → InProgress    (participant opened the task)
//	Active    → Completed     (Done)
//	InProgress → Completed    (Done)
//	Active    → Canceled      (Cancel, or window elapsed)
//	InProgress → Canceled     (Cancel, or window elapsed)
//	Scheduled → Canceled      (window elapsed before ever opening)
//
// Completed and Canceled are terminal for a given occurrence. A recurring
// task's next occurrence is a new record in Scheduled, never a reset of a
// terminal one.
type State string

const (
	StateScheduled  State = "scheduled"
	StateActive     State = "active"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateCanceled   State = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

// Valid reports whether s is a known state value.
// Used when loading persisted tasks from the store.
func (s State) Valid() bool {
	switch s {
	case StateScheduled, StateActive, StateInProgress, StateCompleted, StateCanceled:
		return true
	}
	return false
}

// Definition is a configured study task: the template from which
// occurrences are instantiated. Definitions come from the study
// configuration file or from the backend's task list; they are owned by
// the study, not the participant.
type Definition struct {
	ID          string
	Title       string
	Description string

	// DataTypes names the health data types this task depends on.
	DataTypes []string

	// StartAt anchors the first occurrence window. For one-off tasks it is
	// the only occurrence. Zero means "when the definition is first seen".
	StartAt time.Time

	// Every is the recurrence period. Zero means one-off.
	Every time.Duration

	// Window is the length of each completion window [start, start+Window).
	Window time.Duration
}

// Recurring reports whether the definition instantiates more than one
// occurrence.
func (d Definition) Recurring() bool {
	return d.Every > 0
}

// Task is one occurrence of a Definition, tracked through the lifecycle
// states above. Owned exclusively by the Engine; persisted via the store;
// removed only when its definition leaves the study configuration.
// Completed and Canceled occurrences remain for history.
type Task struct {
	// ID identifies this occurrence (UUIDv7, time-sortable).
	ID string

	// DefinitionID links back to the configured task.
	DefinitionID string

	Title       string
	Description string
	DataTypes   []string

	// Completion window [WindowStart, WindowEnd).
	WindowStart time.Time
	WindowEnd   time.Time

	State State

	// CompletedAt is set if and only if State == StateCompleted.
	CompletedAt *time.Time
}

// WindowOpen reports whether now falls inside the completion window.
func (t *Task) WindowOpen(now time.Time) bool {
	return !now.Before(t.WindowStart) && now.Before(t.WindowEnd)
}

// WindowElapsed reports whether the completion window has fully passed.
func (t *Task) WindowElapsed(now time.Time) bool {
	return !now.Before(t.WindowEnd)
}
