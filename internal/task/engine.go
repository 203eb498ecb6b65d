package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the slice of the persistence layer the engine needs.
// Implemented by *store.Store.
type Store interface {
	// SaveTask atomically inserts or replaces one task record.
	SaveTask(ctx context.Context, t Task) error

	// ListTasks returns all persisted tasks.
	ListTasks(ctx context.Context) ([]Task, error)

	// DeleteTasksByDefinition removes every occurrence of a definition.
	// Used only when a definition leaves the study configuration.
	DeleteTasksByDefinition(ctx context.Context, definitionID string) error
}

// IDGenerator produces occurrence ids.
// Implemented by UUIDGenerator (production) and testutil.FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates time-sortable UUIDv7 occurrence ids.
type UUIDGenerator struct{}

// Generate returns a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// MissedPolicy decides what happens to a non-terminal task whose window
// has fully elapsed.
type MissedPolicy string

const (
	// MissedCancel moves the task to Canceled, preserving an audit trail.
	// This is the default.
	MissedCancel MissedPolicy = "cancel"

	// MissedKeep leaves the task in place until explicitly resolved.
	MissedKeep MissedPolicy = "keep"
)

// Snapshot is one recomputation of the three display partitions.
// Emitted to subscribers after every mutation of the task set.
//
// Within a partition no task id appears twice; partitions are not
// required to be disjoint from each other (a task may be both active
// and due today).
type Snapshot struct {
	Active    []Task
	Today     []Task
	Completed []Task
}

// Engine tracks study tasks through their lifecycle states and partitions
// them for display.
//
// Single-writer discipline: task state is mutated only through Engine
// methods, which serialize under an internal mutex. The store and
// subscribers only ever observe committed states.
type Engine struct {
	st     Store
	ids    IDGenerator
	now    func() time.Time
	loc    *time.Location
	missed MissedPolicy
	logger *slog.Logger

	mu    sync.Mutex
	defs  map[string]Definition
	tasks map[string]*Task

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTimezone sets the timezone used for day-window evaluation.
// Defaults to time.Local.
func WithTimezone(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithMissedPolicy sets the policy for elapsed non-terminal tasks.
func WithMissedPolicy(p MissedPolicy) Option {
	return func(e *Engine) { e.missed = p }
}

// WithIDGenerator overrides occurrence id generation (for tests).
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a task lifecycle engine backed by the given store.
// Call Load before first use to restore persisted tasks.
func New(st Store, opts ...Option) *Engine {
	e := &Engine{
		st:     st,
		ids:    UUIDGenerator{},
		now:    time.Now,
		loc:    time.Local,
		missed: MissedCancel,
		logger: slog.Default(),
		defs:   make(map[string]Definition),
		tasks:  make(map[string]*Task),
		subs:   make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load restores the persisted task set from the store.
func (e *Engine) Load(ctx context.Context) error {
	tasks, err := e.st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	e.mu.Lock()
	for i := range tasks {
		t := tasks[i]
		if !t.State.Valid() {
			e.mu.Unlock()
			return fmt.Errorf("load tasks: task %s has unknown state %q", t.ID, t.State)
		}
		e.tasks[t.ID] = &t
	}
	e.mu.Unlock()

	e.logger.Debug("task set loaded", "count", len(tasks))
	e.notify()
	return nil
}

// ApplyDefinitions replaces the configured definition set.
//
// New definitions get their first occurrence instantiated in Scheduled.
// Definitions absent from defs are removed from the study: their
// occurrences (including history) are deleted from the store. This is the
// only path that ever deletes a task.
func (e *Engine) ApplyDefinitions(ctx context.Context, defs []Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	incoming := make(map[string]Definition, len(defs))
	for _, d := range defs {
		incoming[d.ID] = d
	}

	// Remove occurrences of definitions that left the configuration.
	for id := range e.defs {
		if _, ok := incoming[id]; ok {
			continue
		}
		if err := e.st.DeleteTasksByDefinition(ctx, id); err != nil {
			return fmt.Errorf("remove tasks for %s: %w", id, err)
		}
		for tid, t := range e.tasks {
			if t.DefinitionID == id {
				delete(e.tasks, tid)
			}
		}
		e.logger.Info("definition removed from study", "definition", id)
	}

	e.defs = incoming

	// Instantiate a first occurrence for definitions with no live one.
	for _, d := range incoming {
		if e.hasOccurrenceLocked(d.ID) {
			continue
		}
		start := d.StartAt
		if start.IsZero() {
			start = e.now()
		}
		if err := e.spawnLocked(ctx, d, start); err != nil {
			return err
		}
	}

	e.notifyLockedSetChanged()
	return nil
}

// Refresh sweeps the task set against the current time: opens windows,
// expires elapsed occurrences per the missed policy, and instantiates the
// next occurrence of recurring definitions whose prior occurrence went
// terminal or elapsed.
func (e *Engine) Refresh(ctx context.Context) error {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.tasks {
		switch {
		case t.State == StateScheduled && t.WindowOpen(now):
			t.State = StateActive
			if err := e.st.SaveTask(ctx, *t); err != nil {
				return fmt.Errorf("activate task %s: %w", t.ID, err)
			}
			e.logger.Debug("task activated", "task", t.ID, "window_end", t.WindowEnd)

		case !t.State.Terminal() && t.WindowElapsed(now) && e.missed == MissedCancel:
			t.State = StateCanceled
			if err := e.st.SaveTask(ctx, *t); err != nil {
				return fmt.Errorf("expire task %s: %w", t.ID, err)
			}
			e.logger.Info("task window elapsed, canceled", "task", t.ID)
		}
	}

	// Re-instantiate recurring definitions whose latest occurrence is done.
	for _, d := range e.defs {
		if !d.Recurring() {
			continue
		}
		latest := e.latestOccurrenceLocked(d.ID)
		if latest == nil {
			continue
		}
		if !latest.State.Terminal() && !latest.WindowElapsed(now) {
			continue
		}
		// Advance past any windows that already fully elapsed, so a long
		// offline period does not spawn a backlog of pre-canceled tasks.
		next := latest.WindowStart.Add(d.Every)
		for !next.Add(d.Window).After(now) {
			next = next.Add(d.Every)
		}
		if e.hasOccurrenceAtLocked(d.ID, next) {
			continue
		}
		if err := e.spawnLocked(ctx, d, next); err != nil {
			return err
		}
	}

	e.notifyLockedSetChanged()
	return nil
}

// Start transitions an Active task to InProgress (the participant opened it).
func (e *Engine) Start(ctx context.Context, taskID string) error {
	return e.transition(ctx, taskID, "start", func(t *Task) error {
		if t.State != StateActive {
			return &TransitionError{TaskID: t.ID, From: t.State, Op: "start"}
		}
		t.State = StateInProgress
		return nil
	})
}

// Done completes a task: Active or InProgress → Completed, with
// CompletedAt set to the current time.
func (e *Engine) Done(ctx context.Context, taskID string) error {
	now := e.now()
	return e.transition(ctx, taskID, "done", func(t *Task) error {
		if t.State != StateActive && t.State != StateInProgress {
			return &TransitionError{TaskID: t.ID, From: t.State, Op: "done"}
		}
		t.State = StateCompleted
		t.CompletedAt = &now
		return nil
	})
}

// Cancel moves an Active or InProgress task to Canceled.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	return e.transition(ctx, taskID, "cancel", func(t *Task) error {
		if t.State != StateActive && t.State != StateInProgress {
			return &TransitionError{TaskID: t.ID, From: t.State, Op: "cancel"}
		}
		t.State = StateCanceled
		return nil
	})
}

// transition applies fn to the task under the engine lock, persists the
// result, and notifies subscribers. The in-memory state is only mutated
// after fn succeeds; persistence failure rolls the mutation back so the
// store never lags the engine.
func (e *Engine) transition(ctx context.Context, taskID, op string, fn func(*Task) error) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s task %s: %w", op, taskID, ErrNotFound)
	}

	prev := *t
	if err := fn(t); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.st.SaveTask(ctx, *t); err != nil {
		*t = prev
		e.mu.Unlock()
		return fmt.Errorf("persist %s of task %s: %w", op, taskID, err)
	}
	e.mu.Unlock()

	e.logger.Debug("task transition", "task", taskID, "op", op, "state", t.State)
	e.notify()
	return nil
}

// ActiveTasks returns tasks in Active or InProgress whose window has not
// elapsed, ordered by window start then id.
func (e *Engine) ActiveTasks() []Task {
	now := e.now()
	return e.partition(func(t *Task) bool {
		return (t.State == StateActive || t.State == StateInProgress) && !t.WindowElapsed(now)
	})
}

// TodayTasks returns non-terminal tasks whose window intersects the
// current day in the engine's timezone.
func (e *Engine) TodayTasks() []Task {
	now := e.now().In(e.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	return e.partition(func(t *Task) bool {
		return !t.State.Terminal() && t.WindowStart.Before(dayEnd) && t.WindowEnd.After(dayStart)
	})
}

// CompletedTasks returns tasks in Completed, ordered by window start then id.
func (e *Engine) CompletedTasks() []Task {
	return e.partition(func(t *Task) bool {
		return t.State == StateCompleted
	})
}

// Get returns a copy of one task by id.
func (e *Engine) Get(taskID string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Subscribe registers a partition observer. The returned channel has a
// buffer of one and coalesces: a slow consumer sees the latest snapshot,
// not every intermediate one. The cancel function unregisters and closes
// the channel.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Snapshot, 1)
	e.subs[id] = ch
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

// partition filters the task set under the lock with deterministic
// ordering: window start ascending, then id ascending.
func (e *Engine) partition(keep func(*Task) bool) []Task {
	e.mu.Lock()
	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if keep(t) {
			out = append(out, *t)
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// notify recomputes the partitions and pushes a snapshot to every
// subscriber, dropping the stale buffered snapshot if one is pending.
func (e *Engine) notify() {
	snap := Snapshot{
		Active:    e.ActiveTasks(),
		Today:     e.TodayTasks(),
		Completed: e.CompletedTasks(),
	}

	e.subMu.Lock()
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
	e.subMu.Unlock()
}

// notifyLockedSetChanged releases the engine lock around notification.
// Callers hold e.mu; notify recomputes partitions which re-acquires it.
func (e *Engine) notifyLockedSetChanged() {
	e.mu.Unlock()
	e.notify()
	e.mu.Lock()
}

func (e *Engine) hasOccurrenceLocked(defID string) bool {
	for _, t := range e.tasks {
		if t.DefinitionID == defID {
			return true
		}
	}
	return false
}

func (e *Engine) hasOccurrenceAtLocked(defID string, start time.Time) bool {
	for _, t := range e.tasks {
		if t.DefinitionID == defID && t.WindowStart.Equal(start) {
			return true
		}
	}
	return false
}

func (e *Engine) latestOccurrenceLocked(defID string) *Task {
	var latest *Task
	for _, t := range e.tasks {
		if t.DefinitionID != defID {
			continue
		}
		if latest == nil || t.WindowStart.After(latest.WindowStart) {
			latest = t
		}
	}
	return latest
}

// spawnLocked instantiates one occurrence of d with window
// [start, start+Window) and persists it in Scheduled.
func (e *Engine) spawnLocked(ctx context.Context, d Definition, start time.Time) error {
	t := &Task{
		ID:           e.ids.Generate(),
		DefinitionID: d.ID,
		Title:        d.Title,
		Description:  d.Description,
		DataTypes:    append([]string(nil), d.DataTypes...),
		WindowStart:  start,
		WindowEnd:    start.Add(d.Window),
		State:        StateScheduled,
	}
	if err := e.st.SaveTask(ctx, *t); err != nil {
		return fmt.Errorf("spawn occurrence of %s: %w", d.ID, err)
	}
	e.tasks[t.ID] = t
	e.logger.Debug("occurrence scheduled", "definition", d.ID, "task", t.ID, "window_start", start)
	return nil
}
