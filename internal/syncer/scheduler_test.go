package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearwell/studykit/internal/health"
	"github.com/clearwell/studykit/internal/task"
	"github.com/clearwell/studykit/internal/testutil"
)

// memStore is an in-memory Store for scheduler tests. The SQLite-backed
// store has its own package tests.
type memStore struct {
	mu      sync.Mutex
	cursors map[string]time.Time
	uploads map[string]QueuedUpload
}

func newMemStore() *memStore {
	return &memStore{
		cursors: make(map[string]time.Time),
		uploads: make(map[string]QueuedUpload),
	}
}

func (m *memStore) Cursor(_ context.Context, dataType string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[dataType], nil
}

func (m *memStore) SaveCursor(_ context.Context, dataType string, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if watermark.After(m.cursors[dataType]) {
		m.cursors[dataType] = watermark
	}
	return nil
}

func (m *memStore) QueuedUploads(_ context.Context, dataType string) ([]QueuedUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueuedUpload
	for _, u := range m.uploads {
		if u.DataType == dataType {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *memStore) SaveQueuedUpload(_ context.Context, u QueuedUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[u.ID] = u
	return nil
}

func (m *memStore) DeleteQueuedUpload(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, id)
	return nil
}

// sinkSpy records TaskSink calls.
type sinkSpy struct {
	mu        sync.Mutex
	applied   [][]task.Definition
	refreshes int
}

func (s *sinkSpy) ApplyDefinitions(_ context.Context, defs []task.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, defs)
	return nil
}

func (s *sinkSpy) Refresh(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

var syncBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sched *Scheduler
	store *memStore
	src   *testutil.DataSource
	be    *testutil.Backend
	sink  *sinkSpy
	clock *testutil.Clock
	spec  Spec
}

func newFixture(t *testing.T, specs ...Spec) *fixture {
	t.Helper()
	if len(specs) == 0 {
		specs = []Spec{{DataType: "heart_rate", Interval: 15 * time.Minute}}
	}
	f := &fixture{
		store: newMemStore(),
		src:   testutil.NewDataSource(),
		be:    testutil.NewBackend(),
		sink:  &sinkSpy{},
		clock: testutil.NewClock(syncBase),
		spec:  specs[0],
	}
	f.sched = New(f.store, f.src, f.be, f.sink, specs,
		WithClock(f.clock.Now),
		WithIDGenerator(testutil.NewSeqGenerator("batch")),
	)
	require.NoError(t, f.sched.Load(context.Background()))
	return f
}

func sample(dataType string, at time.Time) health.Sample {
	return health.Sample{
		ID:         "s-" + at.Format("150405"),
		DataType:   dataType,
		RecordedAt: at,
		Fields:     map[string]float64{"bpm": 72},
	}
}

func TestScheduler_DeliversWindowAndAdvancesWatermark(t *testing.T) {
	// Watermark T, one sample in [T, T+15m): the tick at T+15m uploads
	// exactly that range and moves the watermark to T+15m.
	f := newFixture(t)
	ctx := context.Background()
	f.src.Add(sample("heart_rate", syncBase.Add(5*time.Minute)))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))

	ups := f.be.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "heart_rate", ups[0].DataType)
	assert.Equal(t, syncBase, ups[0].From)
	assert.Equal(t, syncBase.Add(15*time.Minute), ups[0].To)
	require.Len(t, ups[0].Samples, 1)

	assert.Equal(t, syncBase.Add(15*time.Minute), f.sched.watermark("heart_rate"))
}

func TestScheduler_TickIsIdempotentAtSameInstant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.Add(sample("heart_rate", syncBase.Add(5*time.Minute)))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))
	require.NoError(t, f.sched.Tick(ctx, f.spec))

	// The second tick finds the window empty (watermark == now) and does
	// not repeat the upload.
	assert.Len(t, f.be.Uploads(), 1)
}

func TestScheduler_EmptyWindowAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))

	assert.Empty(t, f.be.Uploads())
	assert.Equal(t, syncBase.Add(15*time.Minute), f.sched.watermark("heart_rate"))
}

func TestScheduler_FailedUploadQueuesAndHoldsWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.Add(sample("heart_rate", syncBase.Add(5*time.Minute)))
	f.be.FailUploads(errors.New("503 service unavailable"))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))

	assert.Equal(t, syncBase, f.sched.watermark("heart_rate"),
		"watermark must not pass an unacknowledged range")

	queue, err := f.store.QueuedUploads(ctx, "heart_rate")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 1, queue[0].Attempts)
	assert.False(t, queue[0].Failed)
	assert.Equal(t, f.clock.Now().Add(DefaultBackoff.Base), queue[0].NextRetry)
}

func TestScheduler_RecoveryReplaysQueueThenResumes(t *testing.T) {
	// Connectivity drops at T+15m, the range [T, T+15m) is queued. When
	// the backend recovers, the queued range is delivered first and the
	// watermark reaches T+15m before any newer range.
	f := newFixture(t)
	ctx := context.Background()
	f.src.Add(
		sample("heart_rate", syncBase.Add(5*time.Minute)),
		sample("heart_rate", syncBase.Add(15*time.Minute+5*time.Second)),
	)
	f.be.FailUploads(errors.New("offline"))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))
	require.Empty(t, f.be.Uploads())

	// Next tick: the queued batch is not yet eligible (backoff), so the
	// new range is buffered rather than uploaded.
	f.clock.Set(syncBase.Add(15*time.Minute + 10*time.Second))
	require.NoError(t, f.sched.Tick(ctx, f.spec))
	require.Empty(t, f.be.Uploads())
	queue, err := f.store.QueuedUploads(ctx, "heart_rate")
	require.NoError(t, err)
	require.Len(t, queue, 2)

	// Backend back: one tick replays both batches oldest first.
	f.clock.Set(syncBase.Add(30 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))

	ups := f.be.Uploads()
	require.Len(t, ups, 2)
	assert.Equal(t, syncBase, ups[0].From)
	assert.Equal(t, syncBase.Add(15*time.Minute), ups[0].To)
	assert.Equal(t, syncBase.Add(15*time.Minute), ups[1].From)
	assert.True(t, ups[1].From.Equal(ups[0].To), "ranges delivered in order, no gap")

	queue, err = f.store.QueuedUploads(ctx, "heart_rate")
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.Equal(t, syncBase.Add(30*time.Minute), f.sched.watermark("heart_rate"))
}

func TestScheduler_WatermarkNeverExceedsOldestUnacked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.Add(
		sample("heart_rate", syncBase.Add(5*time.Minute)),
		sample("heart_rate", syncBase.Add(20*time.Minute)),
	)
	// First range fails and stays failing; second gets buffered.
	f.be.FailUploads(errors.New("offline"), errors.New("offline"))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))
	f.clock.Set(syncBase.Add(30 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))

	// Two batches are buffered; the watermark holds at T while the oldest
	// range is unacknowledged.
	queue, err := f.store.QueuedUploads(ctx, "heart_rate")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, syncBase, f.sched.watermark("heart_rate"))
}

func TestScheduler_ExhaustedAttemptsMarkBatchFailed(t *testing.T) {
	f := newFixture(t)
	f.sched.backoff = Backoff{Base: time.Second, Cap: time.Minute, MaxAttempts: 2}
	ctx := context.Background()
	f.src.Add(sample("heart_rate", syncBase.Add(5*time.Minute)))
	f.be.FailUploads(errors.New("bad payload"), errors.New("bad payload"))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, f.spec))

	// Second attempt exhausts the policy: the tick surfaces a permanent
	// delivery error and the batch is flagged, not retried again.
	f.clock.Set(syncBase.Add(15*time.Minute + 2*time.Second))
	err := f.sched.Tick(ctx, f.spec)
	require.Error(t, err)
	assert.True(t, IsPermanentDelivery(err))
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Attempts)
	assert.Equal(t, syncBase, de.Start)

	queue, qerr := f.store.QueuedUploads(ctx, "heart_rate")
	require.NoError(t, qerr)
	require.Len(t, queue, 1)
	assert.True(t, queue[0].Failed)

	// Further ticks skip the failed batch entirely.
	before := f.be.Uploads()
	f.clock.Set(syncBase.Add(time.Hour))
	require.NoError(t, f.sched.Tick(ctx, f.spec))
	assert.Len(t, f.be.Uploads(), len(before))

	status, serr := f.sched.Status(ctx)
	require.NoError(t, serr)
	require.Len(t, status, 1)
	assert.Equal(t, "failed", status[0].State)
	assert.Equal(t, 1, status[0].Failed)
}

func TestScheduler_DataTypesAreIndependent(t *testing.T) {
	specs := []Spec{
		{DataType: "heart_rate", Interval: 15 * time.Minute},
		{DataType: "steps", Interval: 15 * time.Minute},
	}
	f := newFixture(t, specs...)
	ctx := context.Background()
	f.src.Add(
		sample("heart_rate", syncBase.Add(5*time.Minute)),
		health.Sample{ID: "st-1", DataType: "steps", RecordedAt: syncBase.Add(5 * time.Minute), Fields: map[string]float64{"count": 400}},
	)
	// The heart_rate tick runs first and eats the failure.
	f.be.FailUploads(errors.New("offline"))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	require.NoError(t, f.sched.Tick(ctx, specs[0]))
	require.NoError(t, f.sched.Tick(ctx, specs[1]))

	// steps delivered and advanced despite heart_rate being stuck.
	assert.Equal(t, syncBase, f.sched.watermark("heart_rate"))
	assert.Equal(t, syncBase.Add(15*time.Minute), f.sched.watermark("steps"))
	ups := f.be.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "steps", ups[0].DataType)
}

func TestScheduler_SourceErrorKeepsWindowOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.Fail(errors.New("platform store busy"))

	f.clock.Set(syncBase.Add(15 * time.Minute))
	err := f.sched.Tick(ctx, f.spec)
	require.Error(t, err)
	assert.Equal(t, syncBase, f.sched.watermark("heart_rate"))

	// Source recovers: same window is re-pulled.
	f.src.Fail(nil)
	f.src.Add(sample("heart_rate", syncBase.Add(5*time.Minute)))
	require.NoError(t, f.sched.Tick(ctx, f.spec))
	ups := f.be.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, syncBase, ups[0].From)
}

func TestScheduler_LoadInitializesZeroCursorToNow(t *testing.T) {
	st := newMemStore()
	clock := testutil.NewClock(syncBase)
	s := New(st, testutil.NewDataSource(), testutil.NewBackend(), &sinkSpy{},
		[]Spec{{DataType: "heart_rate", Interval: time.Minute}},
		WithClock(clock.Now),
	)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, syncBase, s.watermark("heart_rate"))
	persisted, err := st.Cursor(context.Background(), "heart_rate")
	require.NoError(t, err)
	assert.Equal(t, syncBase, persisted, "initial watermark persisted for restart")
}

func TestScheduler_LoadRestoresPersistedCursor(t *testing.T) {
	st := newMemStore()
	earlier := syncBase.Add(-2 * time.Hour)
	require.NoError(t, st.SaveCursor(context.Background(), "heart_rate", earlier))

	clock := testutil.NewClock(syncBase)
	s := New(st, testutil.NewDataSource(), testutil.NewBackend(), &sinkSpy{},
		[]Spec{{DataType: "heart_rate", Interval: time.Minute}},
		WithClock(clock.Now),
	)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, earlier, s.watermark("heart_rate"))
}

func TestScheduler_RefreshTasksAppliesRemoteDefinitions(t *testing.T) {
	f := newFixture(t)
	def := task.Definition{ID: "survey", Title: "Daily survey", StartAt: syncBase, Window: time.Hour}
	f.be.SetTasks(def)

	require.NoError(t, f.sched.refreshTasks(context.Background()))

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.applied, 1)
	require.Len(t, f.sink.applied[0], 1)
	assert.Equal(t, "survey", f.sink.applied[0][0].ID)
	assert.Equal(t, 1, f.sink.refreshes)
}

func TestScheduler_RefreshTasksFetchFailureLeavesSinkUntouched(t *testing.T) {
	f := newFixture(t)
	f.be.FailFetch(errors.New("401 unauthorized"))

	err := f.sched.refreshTasks(context.Background())
	require.Error(t, err)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Empty(t, f.sink.applied)
	assert.Equal(t, 0, f.sink.refreshes)
}

func TestScheduler_SyncTasksKicksEveryWorker(t *testing.T) {
	specs := []Spec{
		{DataType: "heart_rate", Interval: time.Hour},
		{DataType: "steps", Interval: time.Hour},
	}
	f := newFixture(t, specs...)

	f.sched.SyncTasks(context.Background())

	for _, spec := range specs {
		select {
		case <-f.sched.kicks[spec.DataType]:
		default:
			t.Fatalf("worker for %s was not kicked", spec.DataType)
		}
	}
}

func TestScheduler_StatusSortedAndCounted(t *testing.T) {
	specs := []Spec{
		{DataType: "steps", Interval: time.Minute},
		{DataType: "heart_rate", Interval: time.Minute},
	}
	f := newFixture(t, specs...)
	ctx := context.Background()

	require.NoError(t, f.store.SaveQueuedUpload(ctx, QueuedUpload{
		ID: "b1", DataType: "steps", Start: syncBase, End: syncBase.Add(time.Minute), Attempts: 2,
	}))

	status, err := f.sched.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, "heart_rate", status[0].DataType)
	assert.Equal(t, "ok", status[0].State)
	assert.Equal(t, "steps", status[1].DataType)
	assert.Equal(t, "retrying", status[1].State)
	assert.Equal(t, 1, status[1].Pending)
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = f.sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
