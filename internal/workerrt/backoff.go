package workerrt

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff computes a retry delay: base 2s doubling per attempt,
// capped at 5 minutes, with a small jitter to avoid a thundering herd of
// simultaneously-retried jobs.
func ExponentialBackoff(attempt int) time.Duration {
	base := 2 * time.Second
	capDelay := 5 * time.Minute

	multiple := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * multiple)

	if delay > capDelay {
		delay = capDelay
	}

	delay += time.Duration(rand.Intn(250)) * time.Millisecond
	return delay
}
