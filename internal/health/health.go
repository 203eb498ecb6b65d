package health

import (
	"context"
	"time"
)

// Sample is a single wearable-derived measurement for one data type.
//
// Samples are immutable once produced by a DataSource. The RecordedAt
// timestamp places the sample inside a pull window; the sync scheduler
// never re-requests a window whose upload has been acknowledged, so a
// sample's identity for delivery purposes is (data type, window).
type Sample struct {
	// ID is the platform record identifier, opaque to this module.
	ID string `json:"id"`

	// DataType names the measurement kind, e.g. "HeartRate" or "SleepSession".
	DataType string `json:"data_type"`

	// RecordedAt is when the device captured the measurement.
	RecordedAt time.Time `json:"recorded_at"`

	// Fields holds the numeric payload, keyed by field name
	// (e.g. "bpm" for HeartRate, "duration_minutes" for SleepSession).
	Fields map[string]float64 `json:"fields"`
}

// DataSource supplies time-ranged samples for named data types.
//
// Implementations wrap the platform health-data API. Query is one-shot:
// each call returns the finite set of samples recorded in [from, to) at
// the time of the call. Callers own window bookkeeping; the source holds
// no cursor state.
type DataSource interface {
	// Query returns all samples of the given type recorded in [from, to).
	// An empty result is not an error.
	Query(ctx context.Context, dataType string, from, to time.Time) ([]Sample, error)
}
