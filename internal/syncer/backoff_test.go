package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute, MaxAttempts: 8}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 30 * time.Second}, // clamped to 1
		{attempt: 1, want: 30 * time.Second},
		{attempt: 2, want: time.Minute},
		{attempt: 3, want: 2 * time.Minute},
		{attempt: 4, want: 4 * time.Minute},
		{attempt: 6, want: 16 * time.Minute},
		{attempt: 7, want: 30 * time.Minute}, // capped
		{attempt: 20, want: 30 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, b.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute, MaxAttempts: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))

	// Zero falls back to the default attempt count.
	var zero Backoff
	assert.False(t, zero.Exhausted(DefaultMaxAttempts-1))
	assert.True(t, zero.Exhausted(DefaultMaxAttempts))
}
