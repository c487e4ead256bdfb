package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffMonotonicAndCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := b.BaseDelay(attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay decreased from %v to %v", attempt, prev, d)
		}
		if d > b.Max {
			t.Fatalf("attempt %d: delay %v exceeds max", attempt, d)
		}
		prev = d
	}
	if got := b.BaseDelay(6); got != 30*time.Second {
		t.Fatalf("expected attempt 6 capped at 30s, got %v", got)
	}
	if got := b.BaseDelay(5); got != 16*time.Second {
		t.Fatalf("expected attempt 5 at 16s, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: true, Rand: func() float64 { return 0.999 }}
	d := b.Delay(2)
	if d < 2*time.Second || d > 2*time.Second+600*time.Millisecond {
		t.Fatalf("expected delay within jitter bounds, got %v", d)
	}
	b.Rand = func() float64 { return 0 }
	if got := b.Delay(2); got != 2*time.Second {
		t.Fatalf("expected no jitter with zero rand, got %v", got)
	}
}

func TestIsRateLimit(t *testing.T) {
	if !IsRateLimit(RateLimitError{Provider: "deepgram"}) {
		t.Fatalf("expected typed rate limit")
	}
	if !IsRateLimit(errors.New("HTTP 429 Too Many Requests")) {
		t.Fatalf("expected text rate limit")
	}
	if IsRateLimit(errors.New("connection reset")) {
		t.Fatalf("unexpected rate limit match")
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	p := RetryPolicy{MaxRetries: 3, Backoff: Backoff{Base: time.Millisecond}, Retryable: func(err error) bool { return err != permanent }}
	err := p.Do(context.Background(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single call with permanent error, got calls=%d err=%v", calls, err)
	}

	calls = 0
	err = p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got calls=%d err=%v", calls, err)
	}
}

func TestRetryPolicyBudgetAndHook(t *testing.T) {
	p := NewRetryPolicy(2, time.Millisecond)
	var seen []int
	p.OnRetry = func(attempt int, err error) { seen = append(seen, attempt) }
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("busy")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 calls and an error, got calls=%d err=%v", calls, err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected retry hook for attempts 1 and 2, got %v", seen)
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewRetryPolicy(5, time.Hour)
	err := p.Do(ctx, func() error { return errors.New("busy") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
