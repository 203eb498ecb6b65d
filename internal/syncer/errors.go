package syncer

import (
	"errors"
	"fmt"
	"time"
)

// DeliveryError reports a failed upload of one range. Transient failures
// feed the backoff policy and are not surfaced until attempts are
// exhausted, at which point the error becomes permanent and shows up as a
// degraded status, never a crash.
type DeliveryError struct {
	DataType string
	Start    time.Time
	End      time.Time
	Attempts int

	// Permanent is set once the backoff policy's attempts are exhausted.
	Permanent bool

	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failure: %s [%s, %s) after %d attempt(s): %v",
		kind, e.DataType, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Attempts, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanentDelivery reports whether err is a delivery failure whose
// attempts are exhausted. Uses errors.As to handle wrapped errors.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
