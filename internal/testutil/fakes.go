package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/clearwell/studykit/internal/health"
	"github.com/clearwell/studykit/internal/task"
)

// DataSource is a scripted health.DataSource. Tests load samples per
// data type; Query returns those recorded in the requested window.
type DataSource struct {
	mu      sync.Mutex
	samples map[string][]health.Sample
	err     error
	queries int
}

// NewDataSource creates an empty scripted source.
func NewDataSource() *DataSource {
	return &DataSource{samples: make(map[string][]health.Sample)}
}

// Add loads samples for a data type.
func (d *DataSource) Add(samples ...health.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range samples {
		d.samples[s.DataType] = append(d.samples[s.DataType], s)
	}
}

// Fail makes subsequent queries return err (nil restores normal behavior).
func (d *DataSource) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Queries returns how many times Query was called.
func (d *DataSource) Queries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

// Query implements health.DataSource.
func (d *DataSource) Query(_ context.Context, dataType string, from, to time.Time) ([]health.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	if d.err != nil {
		return nil, d.err
	}
	var out []health.Sample
	for _, s := range d.samples[dataType] {
		if !s.RecordedAt.Before(from) && s.RecordedAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// UploadCall records one Upload invocation seen by the fake backend.
type UploadCall struct {
	DataType string
	From     time.Time
	To       time.Time
	Samples  []health.Sample
}

// Backend is a scripted backend.Facade. Tests queue per-call errors to
// exercise retry paths; by default every call acknowledges.
type Backend struct {
	mu         sync.Mutex
	uploads    []UploadCall
	uploadErrs []error
	defs       []task.Definition
	fetchErr   error
	fetchCalls int
}

// NewBackend creates a backend that acknowledges everything.
func NewBackend() *Backend {
	return &Backend{}
}

// FailUploads queues errors returned by the next Upload calls, in order.
// A nil entry acknowledges that call.
func (b *Backend) FailUploads(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadErrs = append(b.uploadErrs, errs...)
}

// Uploads returns the recorded Upload calls.
func (b *Backend) Uploads() []UploadCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]UploadCall(nil), b.uploads...)
}

// SetTasks scripts the definitions returned by FetchTasks.
func (b *Backend) SetTasks(defs ...task.Definition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defs = defs
}

// FailFetch makes FetchTasks return err (nil restores normal behavior).
func (b *Backend) FailFetch(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErr = err
}

// FetchCalls returns how many times FetchTasks was called.
func (b *Backend) FetchCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls
}

// Upload implements backend.Facade.
func (b *Backend) Upload(_ context.Context, dataType string, from, to time.Time, samples []health.Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.uploadErrs) > 0 {
		err := b.uploadErrs[0]
		b.uploadErrs = b.uploadErrs[1:]
		if err != nil {
			return err
		}
	}
	b.uploads = append(b.uploads, UploadCall{
		DataType: dataType,
		From:     from,
		To:       to,
		Samples:  append([]health.Sample(nil), samples...),
	})
	return nil
}

// FetchTasks implements backend.Facade.
func (b *Backend) FetchTasks(_ context.Context) ([]task.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return append([]task.Definition(nil), b.defs...), nil
}
