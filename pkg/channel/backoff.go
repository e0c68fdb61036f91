package channel

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from an initial
// delay, capped at a maximum, with uniform random jitter added on top.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     time.Duration

	// rng is injectable for tests; nil uses the global source.
	rng *rand.Rand
}

// Delay returns the pre-jitter delay for the given attempt number
// (attempt 0 is the first retry). The sequence is non-decreasing.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	max := b.Max
	if max < initial {
		max = initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	scaled := float64(initial) * math.Pow(mult, float64(attempt))
	if scaled > float64(max) || math.IsInf(scaled, 1) {
		return max
	}
	return time.Duration(scaled)
}

// Next returns the jittered delay for the given attempt.
func (b Backoff) Next(attempt int) time.Duration {
	delay := b.Delay(attempt)
	if b.Jitter <= 0 {
		return delay
	}
	if b.rng != nil {
		return delay + time.Duration(b.rng.Int63n(int64(b.Jitter)))
	}
	return delay + time.Duration(rand.Int63n(int64(b.Jitter)))
}
