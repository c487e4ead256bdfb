package resilience

import (
	"errors"
	"strings"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError or its text
// carries a recognizable rate signal.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return LooksRateLimited(err.Error())
}

// LooksRateLimited inspects upstream error text for rate signals.
func LooksRateLimited(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "rate limit") ||
		strings.Contains(t, "ratelimit") ||
		strings.Contains(t, "too many requests") ||
		strings.Contains(t, "429")
}
