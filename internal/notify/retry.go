package notify

import (
	"math/rand"
	"time"
)

// Publish retry delays. Attempt 1: 100ms, 2: 500ms, 3: 2s.
var retryDelays = [...]time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	2 * time.Second,
}

const (
	// DefaultMaxAttempts is the number of publish attempts per notification.
	DefaultMaxAttempts = len(retryDelays) + 1

	// JitterFactor is the ±fraction of jitter applied to delays.
	JitterFactor = 0.2
)

// NextRetryDelay returns the backoff after the given 0-indexed failed attempt.
func NextRetryDelay(attempt int) time.Duration {
	attempt = max(0, min(attempt, len(retryDelays)-1))
	base := retryDelays[attempt]
	jitter := (rand.Float64()*2 - 1) * float64(base) * JitterFactor
	return time.Duration(float64(base) + jitter)
}
