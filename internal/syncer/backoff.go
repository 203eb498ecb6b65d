package syncer

import "time"

// Backoff is the retry policy for failed deliveries: exponential with a
// capped ceiling and a maximum attempt count, after which a range is
// marked failed and surfaced rather than retried indefinitely.
type Backoff struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration

	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration

	// MaxAttempts is the number of delivery attempts before a range is
	// marked failed. Zero means DefaultMaxAttempts.
	MaxAttempts int
}

// DefaultBackoff matches the study platform defaults: 30s base, 30m cap,
// 8 attempts (a little over an hour of retrying at the cap).
var DefaultBackoff = Backoff{
	Base:        30 * time.Second,
	Cap:         30 * time.Minute,
	MaxAttempts: 8,
}

// DefaultMaxAttempts is used when Backoff.MaxAttempts is zero.
const DefaultMaxAttempts = 8

// Delay returns the wait before retrying after the given attempt count
// (attempt is 1-based: Delay(1) follows the first failure).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether the attempt count has reached the maximum.
func (b Backoff) Exhausted(attempts int) bool {
	max := b.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return attempts >= max
}
