package syncer

import (
	"time"

	"github.com/clearwell/studykit/internal/health"
)

// Spec configures the sync cadence for one health data type.
// Configured once at process start; read-only thereafter.
type Spec struct {
	DataType string
	Interval time.Duration
}

// QueuedUpload is a buffered batch of samples for one data type and one
// time range [Start, End), created when an upload fails or the device is
// offline. It survives process restarts via the store and is removed only
// on acknowledged delivery. Together with the immutability of past time
// ranges this guarantees no range is silently dropped.
type QueuedUpload struct {
	// ID identifies the batch (UUIDv7, time-sortable).
	ID string

	DataType string
	Start    time.Time
	End      time.Time

	// Samples is the buffered payload. Buffering the samples rather than
	// re-querying keeps the batch stable across retries even if the
	// platform health store later compacts the range.
	Samples []health.Sample

	// Attempts counts delivery attempts so far.
	Attempts int

	// NextRetry is when the batch becomes eligible for another attempt.
	NextRetry time.Time

	// Failed is set when attempts are exhausted. Failed batches are kept
	// for operator visibility and are no longer retried automatically.
	Failed bool
}

// TypeStatus is the per-data-type view returned by Scheduler.Status.
type TypeStatus struct {
	DataType  string    `json:"data_type"`
	Watermark time.Time `json:"watermark"`

	// Pending counts batches awaiting retry.
	Pending int `json:"pending"`

	// Failed counts batches whose attempts are exhausted.
	Failed int `json:"failed"`

	// State summarizes: "ok", "retrying", or "failed".
	State string `json:"state"`
}
