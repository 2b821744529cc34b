// Package resilience provides retry and circuit breaker helpers for calls to
// external services.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls how often and how patiently an operation is retried.
type RetryPolicy struct {
	// Attempts is the total number of tries including the first one.
	// 1 disables retries.
	Attempts int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration

	// Factor multiplies the wait after each retry.
	Factor float64

	// Jitter randomizes each wait by ±Jitter of its value.
	Jitter float64

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(err error) bool

	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy returns three attempts with a short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Factor:    2.0,
		Jitter:    0.2,
	}
}

// PolicyFromLimit builds a policy whose attempt count is limit. Values below
// one are treated as one.
func PolicyFromLimit(limit int, baseDelay time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.Attempts = max(limit, 1)
	if baseDelay > 0 {
		p.BaseDelay = baseDelay
	}
	return p
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts or ctx is done. The last error is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.Retryable(err) || attempt == p.Attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// delay is the wait after the given (1-based) failed attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	d = math.Min(d, float64(p.MaxDelay))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	return time.Duration(math.Max(d, 0))
}

// LogRetries returns an OnRetry hook that logs each retry at warn level.
func LogRetries(service, operation string) func(int, error) {
	log := zap.L().With(zap.String("service", service), zap.String("operation", operation))
	return func(attempt int, err error) {
		log.Warn("retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
}
