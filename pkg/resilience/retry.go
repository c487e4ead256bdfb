package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries short-lived failures such as a locked database file.
type RetryPolicy struct {
	MaxRetries int
	Backoff    Backoff
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	// OnRetry runs before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// NewRetryPolicy doubles the delay from base after each failed attempt,
// capped at eight times base.
func NewRetryPolicy(maxRetries int, base time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return RetryPolicy{
		MaxRetries: maxRetries,
		Backoff:    Backoff{Base: base, Max: 8 * base},
	}
}

// Do calls fn at most MaxRetries+1 times. It returns the last error from fn,
// or ctx.Err() when ctx ends during a wait.
func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt > r.MaxRetries || (r.Retryable != nil && !r.Retryable(err)) {
			return err
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}
		timer := time.NewTimer(r.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
