package relay

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy governs provider round-trip retries within a run. Tool
// retries are budgeted per descriptor; both share the same backoff curve.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, default 3.
	MaxAttempts int
	// BaseDelay is the first backoff step, default 250ms.
	BaseDelay time.Duration
}

const (
	defaultRetryAttempts = 3
	defaultBackoffBase   = 250 * time.Millisecond
	maxBackoffDelay      = 10 * time.Second
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBackoffBase
	}
	return p
}

// retryBackoff returns the delay before retry attempt i (0-indexed):
// base doubled per attempt plus up to one base of random jitter, capped at
// 10s. The curve is monotone non-decreasing up to the cap: the jitter
// never exceeds the next doubling step.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if attempt > 30 {
		return maxBackoffDelay
	}
	exp := base << uint(attempt)
	if exp <= 0 || exp >= maxBackoffDelay {
		return maxBackoffDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	if exp+jitter > maxBackoffDelay {
		return maxBackoffDelay
	}
	return exp + jitter
}

// retryDelay computes the pause before retry attempt i. A provider's
// Retry-After acts as a floor over the computed backoff.
func retryDelay(base time.Duration, attempt int, err error) time.Duration {
	backoff := retryBackoff(base, attempt)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > backoff {
		return pe.RetryAfter
	}
	return backoff
}

// sleepCtx pauses for d or until the context is cancelled, returning the
// cancel cause so callers can surface the reason.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
