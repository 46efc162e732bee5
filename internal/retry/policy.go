// Package retry holds the queue-side retry schedule for failed jobs.
package retry

import (
	"math"
	"time"

	"github.com/JakeFAU/mediascrape/internal/media"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = time.Minute
)

// Policy implements bounded exponential backoff: base, 2*base, 4*base, ...
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewPolicy builds a policy, falling back to 3 attempts starting at one second.
func NewPolicy(maxAttempts int, base, maxDelay time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if base <= 0 {
		base = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	return Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: maxDelay}
}

// ShouldRetry decides whether a job that failed on the given (1-based)
// attempt gets another one.
func (p Policy) ShouldRetry(cause error, attempt int) bool {
	if cause == nil || media.IsTerminal(cause) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Backoff returns the wait before the attempt following the given one.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
