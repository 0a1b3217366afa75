// Package util holds small helpers shared across the engine.
package util

import (
	"math/rand/v2"
	"time"
)

// maxBackoff caps the exponential growth so a long retry chain never
// sleeps for minutes.
const maxBackoff = 30 * time.Second

// CalculateBackoff returns the delay before the given retry attempt:
// exponential doubling of the base with ±25% jitter, capped at 30s.
// Attempt counts from 1.
func CalculateBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}

	// Jitter spreads simultaneous retries apart
	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}
