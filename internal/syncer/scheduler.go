package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clearwell/studykit/internal/backend"
	"github.com/clearwell/studykit/internal/health"
	"github.com/clearwell/studykit/internal/task"
)

// Store is the slice of the persistence layer the scheduler needs.
// Implemented by *store.Store.
type Store interface {
	// Cursor returns the persisted watermark for a data type.
	// Returns the zero time (and no error) when no cursor exists yet.
	Cursor(ctx context.Context, dataType string) (time.Time, error)

	// SaveCursor atomically persists the watermark for a data type.
	SaveCursor(ctx context.Context, dataType string, watermark time.Time) error

	// QueuedUploads returns the buffered batches for one data type in
	// increasing time-range order (oldest first).
	QueuedUploads(ctx context.Context, dataType string) ([]QueuedUpload, error)

	// SaveQueuedUpload inserts or replaces one batch.
	SaveQueuedUpload(ctx context.Context, u QueuedUpload) error

	// DeleteQueuedUpload removes an acknowledged batch.
	DeleteQueuedUpload(ctx context.Context, id string) error
}

// TaskSink receives task definitions re-pulled from the backend.
// Implemented by *task.Engine.
type TaskSink interface {
	ApplyDefinitions(ctx context.Context, defs []task.Definition) error
	Refresh(ctx context.Context) error
}

// Scheduler periodically moves samples from the health data source to the
// backend, one independent worker per Spec.
//
// Ownership: per-type watermarks are mutated only by that type's worker
// goroutine (single-writer); Status reads them under a mutex. Different
// data types proceed fully independently; a stuck type never blocks the
// others. Within one type, a range is never uploaded before every earlier
// range has been acknowledged, so watermark advancement is serialized.
//
// Delivery is at-least-once: an acknowledged upload whose ack is lost to a
// crash is retried on restart. The backend must apply uploads
// idempotently keyed by (data type, time range); the scheduler's half of
// the contract is never re-uploading ranges behind the watermark.
type Scheduler struct {
	st      Store
	src     health.DataSource
	be      backend.Facade
	tasks   TaskSink
	specs   []Spec
	backoff Backoff
	ids     task.IDGenerator
	now     func() time.Time
	logger  *slog.Logger

	mu         sync.Mutex
	watermarks map[string]time.Time

	kicks map[string]chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBackoff overrides the retry policy.
func WithBackoff(b Backoff) SchedulerOption {
	return func(s *Scheduler) { s.backoff = b }
}

// WithClock overrides the wall clock (for tests).
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithIDGenerator overrides batch id generation (for tests).
func WithIDGenerator(g task.IDGenerator) SchedulerOption {
	return func(s *Scheduler) { s.ids = g }
}

// WithLogger sets the scheduler logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a sync scheduler for the given specs. The spec set is
// copied and immutable thereafter; there is no runtime reconfiguration.
func New(st Store, src health.DataSource, be backend.Facade, tasks TaskSink, specs []Spec, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		st:         st,
		src:        src,
		be:         be,
		tasks:      tasks,
		specs:      append([]Spec(nil), specs...),
		backoff:    DefaultBackoff,
		ids:        task.UUIDGenerator{},
		now:        time.Now,
		logger:     slog.Default(),
		watermarks: make(map[string]time.Time),
		kicks:      make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, spec := range s.specs {
		s.kicks[spec.DataType] = make(chan struct{}, 1)
	}
	return s
}

// Load restores persisted cursors. Call before Run or the first tick.
func (s *Scheduler) Load(ctx context.Context) error {
	for _, spec := range s.specs {
		w, err := s.st.Cursor(ctx, spec.DataType)
		if err != nil {
			return fmt.Errorf("load cursor for %s: %w", spec.DataType, err)
		}
		if w.IsZero() {
			// First run: start the watermark now rather than attempting to
			// backfill the participant's entire device history.
			w = s.now()
			if err := s.st.SaveCursor(ctx, spec.DataType, w); err != nil {
				return fmt.Errorf("init cursor for %s: %w", spec.DataType, err)
			}
		}
		s.mu.Lock()
		s.watermarks[spec.DataType] = w
		s.mu.Unlock()
	}
	return nil
}

// Run starts one worker per spec and blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, spec := range s.specs {
		wg.Add(1)
		go func(spec Spec) {
			defer wg.Done()
			s.runWorker(ctx, spec)
		}(spec)
	}
	wg.Wait()
	return nil
}

// runWorker is the per-type loop: tick on the spec's cadence or when
// kicked by SyncTasks.
func (s *Scheduler) runWorker(ctx context.Context, spec Spec) {
	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()

	s.logger.Info("sync worker started", "data_type", spec.DataType, "interval", spec.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync worker stopped", "data_type", spec.DataType)
			return
		case <-ticker.C:
		case <-s.kicks[spec.DataType]:
		}
		if err := s.Tick(ctx, spec); err != nil {
			// Tick errors are already folded into the queue/backoff state;
			// log and keep the worker alive. Nothing here is crash-worthy.
			s.logger.Warn("sync tick failed", "data_type", spec.DataType, "error", err)
		}
	}
}

// SyncTasks re-pulls task definitions from the backend and kicks every
// sync worker. It does not block the caller past issuing the request:
// completion is observed through the task engine's reactive partitions
// and through Status.
func (s *Scheduler) SyncTasks(ctx context.Context) {
	go func() {
		if err := s.refreshTasks(ctx); err != nil {
			s.logger.Warn("task refresh failed", "error", err)
		}
	}()
	for _, ch := range s.kicks {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// refreshTasks fetches remote task definitions and hands them to the task
// engine. A fetch failure is transient: the locally persisted definitions
// remain authoritative until the backend is reachable again.
func (s *Scheduler) refreshTasks(ctx context.Context) error {
	defs, err := s.be.FetchTasks(ctx)
	if err != nil {
		return fmt.Errorf("fetch tasks: %w", err)
	}
	if err := s.tasks.ApplyDefinitions(ctx, defs); err != nil {
		return fmt.Errorf("apply task definitions: %w", err)
	}
	if err := s.tasks.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh tasks: %w", err)
	}
	return nil
}

// Tick runs one sync pass for a spec: replay buffered batches oldest
// first, then pull and deliver the next window. Run calls it on each
// worker's cadence; callers may also invoke it directly for an immediate
// pass (a foreground sync button, an integration test).
func (s *Scheduler) Tick(ctx context.Context, spec Spec) error {
	now := s.now()

	queue, err := s.st.QueuedUploads(ctx, spec.DataType)
	if err != nil {
		return fmt.Errorf("list queued uploads: %w", err)
	}

	queue, err = s.replay(ctx, spec, queue, now)
	if err != nil {
		return err
	}

	return s.pull(ctx, spec, queue, now)
}

// replay retries buffered batches in increasing time-range order. It
// stops at the first batch that is failed, not yet eligible, or fails
// again: later ranges must not be delivered before earlier ones. The
// watermark advances as the oldest batches are acknowledged.
func (s *Scheduler) replay(ctx context.Context, spec Spec, queue []QueuedUpload, now time.Time) ([]QueuedUpload, error) {
	for len(queue) > 0 {
		u := queue[0]
		if u.Failed || u.NextRetry.After(now) {
			return queue, nil
		}

		if err := s.be.Upload(ctx, u.DataType, u.Start, u.End, u.Samples); err != nil {
			qErr := s.recordFailure(ctx, &u, now, err)
			queue[0] = u
			return queue, qErr
		}

		if err := s.st.DeleteQueuedUpload(ctx, u.ID); err != nil {
			return queue, fmt.Errorf("clear queued upload %s: %w", u.ID, err)
		}
		if err := s.advance(ctx, spec.DataType, u.End); err != nil {
			return queue, err
		}
		s.logger.Info("queued upload delivered", "data_type", u.DataType, "range_end", u.End, "attempts", u.Attempts+1)
		queue = queue[1:]
	}
	return queue, nil
}

// pull queries the next window and delivers it. With batches still
// outstanding the new range is buffered instead of uploaded, preserving
// per-type ordering; the watermark only moves when no unresolved gap
// remains behind it.
func (s *Scheduler) pull(ctx context.Context, spec Spec, queue []QueuedUpload, now time.Time) error {
	from := s.watermark(spec.DataType)
	for _, u := range queue {
		if u.End.After(from) {
			from = u.End
		}
	}
	if !now.After(from) {
		return nil
	}

	samples, err := s.src.Query(ctx, spec.DataType, from, now)
	if err != nil {
		// Source errors are transient; the window stays open and is
		// re-pulled on the next tick.
		return fmt.Errorf("query %s [%s, %s): %w", spec.DataType, from.Format(time.RFC3339), now.Format(time.RFC3339), err)
	}

	if len(samples) == 0 {
		if len(queue) == 0 {
			return s.advance(ctx, spec.DataType, now)
		}
		return nil
	}

	if len(queue) > 0 {
		// Earlier ranges unresolved: buffer, eligible as soon as they clear.
		u := QueuedUpload{
			ID:        s.ids.Generate(),
			DataType:  spec.DataType,
			Start:     from,
			End:       now,
			Samples:   samples,
			NextRetry: now,
		}
		if err := s.st.SaveQueuedUpload(ctx, u); err != nil {
			return fmt.Errorf("buffer upload: %w", err)
		}
		s.logger.Debug("range buffered behind unresolved uploads", "data_type", spec.DataType, "samples", len(samples))
		return nil
	}

	if err := s.be.Upload(ctx, spec.DataType, from, now, samples); err != nil {
		u := QueuedUpload{
			ID:       s.ids.Generate(),
			DataType: spec.DataType,
			Start:    from,
			End:      now,
			Samples:  samples,
		}
		if qErr := s.recordFailure(ctx, &u, now, err); qErr != nil {
			return qErr
		}
		return nil
	}

	s.logger.Info("range delivered", "data_type", spec.DataType, "samples", len(samples), "range_end", now)
	return s.advance(ctx, spec.DataType, now)
}

// recordFailure folds one failed attempt into a batch per the backoff
// policy and persists it. Transient failures return nil; they are not
// surfaced until attempts are exhausted, at which point the batch is
// marked failed and a permanent *DeliveryError is returned for the worker
// log and Status to reflect.
func (s *Scheduler) recordFailure(ctx context.Context, u *QueuedUpload, now time.Time, cause error) error {
	u.Attempts++
	permanent := s.backoff.Exhausted(u.Attempts)
	if permanent {
		u.Failed = true
	} else {
		u.NextRetry = now.Add(s.backoff.Delay(u.Attempts))
		s.logger.Warn("delivery failed, will retry", "data_type", u.DataType, "attempts", u.Attempts, "next_retry", u.NextRetry, "error", cause)
	}
	if err := s.st.SaveQueuedUpload(ctx, *u); err != nil {
		return fmt.Errorf("persist queued upload: %w", err)
	}
	if permanent {
		return &DeliveryError{
			DataType:  u.DataType,
			Start:     u.Start,
			End:       u.End,
			Attempts:  u.Attempts,
			Permanent: true,
			Err:       cause,
		}
	}
	return nil
}

// advance moves a type's watermark forward. Watermarks are monotonically
// non-decreasing; a stale target is ignored rather than an error.
func (s *Scheduler) advance(ctx context.Context, dataType string, to time.Time) error {
	s.mu.Lock()
	cur := s.watermarks[dataType]
	if !to.After(cur) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.st.SaveCursor(ctx, dataType, to); err != nil {
		return fmt.Errorf("persist cursor for %s: %w", dataType, err)
	}
	s.mu.Lock()
	s.watermarks[dataType] = to
	s.mu.Unlock()
	return nil
}

// watermark returns the in-memory watermark for a type.
func (s *Scheduler) watermark(dataType string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[dataType]
}

// Status reports the per-type sync state, ordered by data type.
func (s *Scheduler) Status(ctx context.Context) ([]TypeStatus, error) {
	out := make([]TypeStatus, 0, len(s.specs))
	for _, spec := range s.specs {
		queue, err := s.st.QueuedUploads(ctx, spec.DataType)
		if err != nil {
			return nil, fmt.Errorf("list queued uploads for %s: %w", spec.DataType, err)
		}
		ts := TypeStatus{
			DataType:  spec.DataType,
			Watermark: s.watermark(spec.DataType),
			State:     "ok",
		}
		for _, u := range queue {
			if u.Failed {
				ts.Failed++
			} else {
				ts.Pending++
			}
		}
		if ts.Pending > 0 {
			ts.State = "retrying"
		}
		if ts.Failed > 0 {
			ts.State = "failed"
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DataType < out[j].DataType })
	return out, nil
}
