package processor

import (
	"math/rand"
	"time"
)

// maxShift caps the exponent so the doubling never overflows a Duration.
const maxShift = 20

// Backoff computes the delay before the next attempt after `attempts` sends
// have been consumed: base doubled per prior attempt, ±25% jitter, capped at
// max. The jitter spreads retries of notifications that failed together.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := base << shift
	if delay > max || delay < 0 {
		delay = max
	}

	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(delay))
	delay += jitter
	if delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
