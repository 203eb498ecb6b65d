package backend

import (
	"context"
	"time"

	"github.com/clearwell/studykit/internal/health"
	"github.com/clearwell/studykit/internal/task"
)

// Facade is the abstract contract with the remote study backend.
//
// Upload must be safely re-appliable by the backend when keyed by
// (data type, time range): delivery is at-least-once, so a successful
// upload whose acknowledgment is lost will be retried. Timeouts count as
// failures and feed the caller's backoff policy.
type Facade interface {
	// Upload delivers the samples recorded in [from, to) for one data
	// type. A nil return is the acknowledgment.
	Upload(ctx context.Context, dataType string, from, to time.Time, samples []health.Sample) error

	// FetchTasks returns the study's current task definitions.
	FetchTasks(ctx context.Context) ([]task.Definition, error)
}
