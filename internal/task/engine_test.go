package task_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearwell/studykit/internal/task"
	"github.com/clearwell/studykit/internal/testutil"
)

// memStore is an in-memory Store for engine tests. The real SQLite store
// is covered by its own package; integration of the two lives there.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]task.Task
	fail  error
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]task.Task)}
}

func (m *memStore) SaveTask(_ context.Context, t task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *memStore) ListTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) DeleteTasksByDefinition(_ context.Context, definitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.DefinitionID == definitionID {
			delete(m.tasks, id)
		}
	}
	return nil
}

func (m *memStore) get(id string) (task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, at time.Time) (*task.Engine, *memStore, *testutil.Clock) {
	t.Helper()
	st := newMemStore()
	clock := testutil.NewClock(at)
	e := task.New(st,
		task.WithClock(clock.Now),
		task.WithTimezone(time.UTC),
		task.WithIDGenerator(testutil.NewSeqGenerator("task")),
	)
	return e, st, clock
}

// seedActive puts one Active task with window [base, base+1h) in the engine.
func seedActive(t *testing.T, e *task.Engine) task.Task {
	t.Helper()
	ctx := context.Background()
	def := task.Definition{ID: "survey", Title: "Daily survey", StartAt: base, Window: time.Hour}
	require.NoError(t, e.ApplyDefinitions(ctx, []task.Definition{def}))
	require.NoError(t, e.Refresh(ctx))

	active := e.ActiveTasks()
	require.Len(t, active, 1)
	require.Equal(t, task.StateActive, active[0].State)
	return active[0]
}

func TestEngine_DoneSetsCompletedAt(t *testing.T) {
	// A task with window [9:00, 10:00) completed at 9:30: present in the
	// completed partition, absent from active, CompletedAt = 9:30.
	e, st, clock := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	clock.Set(base.Add(30 * time.Minute))
	require.NoError(t, e.Done(ctx, seeded.ID))

	got, ok := e.Get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, task.StateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, base.Add(30*time.Minute), *got.CompletedAt)

	assert.Empty(t, e.ActiveTasks())
	completed := e.CompletedTasks()
	require.Len(t, completed, 1)
	assert.Equal(t, seeded.ID, completed[0].ID)

	// Persisted too.
	stored, ok := st.get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, task.StateCompleted, stored.State)
	require.NotNil(t, stored.CompletedAt)
}

func TestEngine_CompletedAtInvariant(t *testing.T) {
	// completedAt != nil ⟺ state == Completed, across every transition.
	e, _, clock := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	check := func() {
		for _, tk := range append(e.ActiveTasks(), append(e.TodayTasks(), e.CompletedTasks()...)...) {
			if tk.State == task.StateCompleted {
				assert.NotNil(t, tk.CompletedAt, "completed task %s missing CompletedAt", tk.ID)
			} else {
				assert.Nil(t, tk.CompletedAt, "non-completed task %s has CompletedAt", tk.ID)
			}
		}
	}

	check()
	require.NoError(t, e.Start(ctx, seeded.ID))
	check()
	clock.Advance(10 * time.Minute)
	require.NoError(t, e.Done(ctx, seeded.ID))
	check()
}

func TestEngine_DoneOnTerminalTaskFails(t *testing.T) {
	e, _, _ := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	require.NoError(t, e.Done(ctx, seeded.ID))

	err := e.Done(ctx, seeded.ID)
	require.Error(t, err)
	assert.True(t, task.IsInvalidTransition(err))

	err = e.Cancel(ctx, seeded.ID)
	require.Error(t, err)
	assert.True(t, task.IsInvalidTransition(err))
}

func TestEngine_StartRequiresActive(t *testing.T) {
	e, _, _ := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	require.NoError(t, e.Start(ctx, seeded.ID))
	got, _ := e.Get(seeded.ID)
	assert.Equal(t, task.StateInProgress, got.State)

	// Starting twice is a transition error.
	err := e.Start(ctx, seeded.ID)
	require.Error(t, err)
	assert.True(t, task.IsInvalidTransition(err))

	// InProgress still counts as active for display.
	active := e.ActiveTasks()
	require.Len(t, active, 1)
	assert.Equal(t, task.StateInProgress, active[0].State)
}

func TestEngine_CancelFromInProgress(t *testing.T) {
	e, _, _ := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	require.NoError(t, e.Start(ctx, seeded.ID))
	require.NoError(t, e.Cancel(ctx, seeded.ID))

	got, _ := e.Get(seeded.ID)
	assert.Equal(t, task.StateCanceled, got.State)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, e.ActiveTasks())
	assert.Empty(t, e.CompletedTasks())
}

func TestEngine_UnknownTask(t *testing.T) {
	e, _, _ := newTestEngine(t, base)
	err := e.Done(context.Background(), "no-such-task")
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestEngine_ElapsedWindowCancels(t *testing.T) {
	// A task whose window end passes without done/cancel is moved to
	// Canceled automatically, preserving an audit trail.
	e, st, clock := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	clock.Set(base.Add(2 * time.Hour))
	require.NoError(t, e.Refresh(ctx))

	got, ok := e.Get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, task.StateCanceled, got.State)

	// Canceled, not deleted.
	_, ok = st.get(seeded.ID)
	assert.True(t, ok)
}

func TestEngine_MissedKeepPolicy(t *testing.T) {
	st := newMemStore()
	clock := testutil.NewClock(base)
	e := task.New(st,
		task.WithClock(clock.Now),
		task.WithTimezone(time.UTC),
		task.WithMissedPolicy(task.MissedKeep),
		task.WithIDGenerator(testutil.NewSeqGenerator("task")),
	)
	ctx := context.Background()
	def := task.Definition{ID: "survey", Title: "Daily survey", StartAt: base, Window: time.Hour}
	require.NoError(t, e.ApplyDefinitions(ctx, []task.Definition{def}))
	require.NoError(t, e.Refresh(ctx))

	clock.Set(base.Add(3 * time.Hour))
	require.NoError(t, e.Refresh(ctx))

	tasks := e.TodayTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, task.StateActive, tasks[0].State)
}

func TestEngine_RecurringSpawnsNextOccurrence(t *testing.T) {
	e, _, clock := newTestEngine(t, base)
	ctx := context.Background()
	def := task.Definition{
		ID: "walk", Title: "Walk test",
		StartAt: base, Every: 24 * time.Hour, Window: time.Hour,
	}
	require.NoError(t, e.ApplyDefinitions(ctx, []task.Definition{def}))
	require.NoError(t, e.Refresh(ctx))

	first := e.ActiveTasks()
	require.Len(t, first, 1)
	require.NoError(t, e.Done(ctx, first[0].ID))

	// The next occurrence appears in Scheduled once the prior is terminal.
	require.NoError(t, e.Refresh(ctx))
	next, ok := e.Get("task-2")
	require.True(t, ok)
	assert.Equal(t, task.StateScheduled, next.State)
	assert.Equal(t, base.Add(24*time.Hour), next.WindowStart)

	// It activates when its window opens.
	clock.Set(base.Add(24*time.Hour + time.Minute))
	require.NoError(t, e.Refresh(ctx))
	next, _ = e.Get("task-2")
	assert.Equal(t, task.StateActive, next.State)
}

func TestEngine_RecurringSkipsElapsedWindowsAfterOfflineGap(t *testing.T) {
	e, _, clock := newTestEngine(t, base)
	ctx := context.Background()
	def := task.Definition{
		ID: "walk", Title: "Walk test",
		StartAt: base, Every: 24 * time.Hour, Window: time.Hour,
	}
	require.NoError(t, e.ApplyDefinitions(ctx, []task.Definition{def}))
	require.NoError(t, e.Refresh(ctx))

	// Three days pass with the process down.
	clock.Set(base.Add(72*time.Hour + 30*time.Minute))
	require.NoError(t, e.Refresh(ctx))

	// The stale occurrence is canceled; the spawned occurrence is the
	// current (not yet elapsed) window, not a backlog of three.
	live := e.TodayTasks()
	require.Len(t, live, 1)
	assert.Equal(t, base.Add(72*time.Hour), live[0].WindowStart)
}

func TestEngine_TodayPartition(t *testing.T) {
	e, _, _ := newTestEngine(t, base)
	ctx := context.Background()
	defs := []task.Definition{
		{ID: "today", Title: "Today", StartAt: base, Window: time.Hour},
		{ID: "tomorrow", Title: "Tomorrow", StartAt: base.AddDate(0, 0, 1), Window: time.Hour},
	}
	require.NoError(t, e.ApplyDefinitions(ctx, defs))
	require.NoError(t, e.Refresh(ctx))

	today := e.TodayTasks()
	require.Len(t, today, 1)
	assert.Equal(t, "today", today[0].DefinitionID)

	// No id appears twice within a partition.
	seen := map[string]bool{}
	for _, tk := range today {
		assert.False(t, seen[tk.ID])
		seen[tk.ID] = true
	}
}

func TestEngine_RemovedDefinitionDeletesTasks(t *testing.T) {
	e, st, _ := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	require.NoError(t, e.ApplyDefinitions(ctx, nil))

	_, ok := e.Get(seeded.ID)
	assert.False(t, ok)
	_, ok = st.get(seeded.ID)
	assert.False(t, ok)
}

func TestEngine_PersistenceFailureRollsBack(t *testing.T) {
	e, st, _ := newTestEngine(t, base)
	ctx := context.Background()
	seeded := seedActive(t, e)

	st.mu.Lock()
	st.fail = errors.New("disk full")
	st.mu.Unlock()

	err := e.Done(ctx, seeded.ID)
	require.Error(t, err)

	// The in-memory state did not run ahead of the store.
	got, _ := e.Get(seeded.ID)
	assert.Equal(t, task.StateActive, got.State)
	assert.Nil(t, got.CompletedAt)
}

func TestEngine_SubscribeCoalesces(t *testing.T) {
	e, _, _ := newTestEngine(t, base)
	ctx := context.Background()

	ch, cancel := e.Subscribe()
	defer cancel()

	seeded := seedActive(t, e)
	require.NoError(t, e.Done(ctx, seeded.ID))

	// The buffered channel holds the latest snapshot; intermediate ones
	// were coalesced away.
	var snap task.Snapshot
	select {
	case snap = <-ch:
	default:
		t.Fatal("expected a pending snapshot")
	}
	assert.Empty(t, snap.Active)
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, seeded.ID, snap.Completed[0].ID)
}

func TestEngine_LoadRestoresPersistedTasks(t *testing.T) {
	st := newMemStore()
	completedAt := base.Add(30 * time.Minute)
	st.tasks["t1"] = task.Task{
		ID: "t1", DefinitionID: "survey", Title: "Daily survey",
		WindowStart: base, WindowEnd: base.Add(time.Hour),
		State: task.StateCompleted, CompletedAt: &completedAt,
	}

	clock := testutil.NewClock(base.Add(45 * time.Minute))
	e := task.New(st, task.WithClock(clock.Now), task.WithTimezone(time.UTC))
	require.NoError(t, e.Load(context.Background()))

	completed := e.CompletedTasks()
	require.Len(t, completed, 1)
	assert.Equal(t, "t1", completed[0].ID)
}
