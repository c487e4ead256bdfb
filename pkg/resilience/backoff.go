package resilience

import (
	"math/rand"
	"time"
)

// JitterFactor is the maximum fraction of the base delay added as jitter.
const JitterFactor = 0.3

// Backoff computes exponential reconnect delays.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// BaseDelay returns min(Base*2^(attempt-1), Max) without jitter.
// Attempts below 1 are treated as 1.
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Delay returns the base delay plus up to JitterFactor of it when jitter is on.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.BaseDelay(attempt)
	if !b.Jitter {
		return delay
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return delay + time.Duration(float64(delay)*JitterFactor*rnd())
}
