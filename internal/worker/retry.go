package worker

import (
	"math"
	"time"

	"ledgerbridge/internal/models"
)

// RetryPolicy defines exponential backoff parameters. A nil MaxRetries
// means models.DefaultMaxRetries; zero means jobs are never retried.
type RetryPolicy struct {
	MaxRetries    *int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries == nil || *r.MaxRetries < 0 {
		r.MaxRetries = Retries(models.DefaultMaxRetries)
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = models.DefaultBaseDelay
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}
	return r
}

// Retries returns a pointer to n for RetryPolicy and Job.
func Retries(n int) *int { return &n }

// Delay returns the wait before the retry that follows a failure at
// retryCount, i.e. BaseDelay * factor^retryCount, clamped to MaxDelay.
func (r RetryPolicy) Delay(retryCount int) time.Duration {
	r = r.withDefaults()
	if retryCount < 0 {
		retryCount = 0
	}

	delay := float64(r.BaseDelay) * math.Pow(r.BackoffFactor, float64(retryCount))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
