package harvest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// RetryPolicy bounds retries around a fallible operation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used for remote fetches.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// ShouldRetry decides whether another attempt is allowed after err on the
// given 1-based attempt. Per-request timeouts are retried; cancellation and
// errors marked Permanent are not.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.attempts() {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

// Backoff returns the wait before the attempt following the given 0-based
// attempt: base*2^attempt capped at MaxDelay, plus jitter in [0, delay/2).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay) + randomJitter(time.Duration(delay)/2)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Retry invokes op until it succeeds, the policy gives up, or ctx ends. op is
// never started once ctx is done. When the budget is exhausted the last error
// is returned inside a *RetryError.
// onRetry, when non-nil, is called before each wait.
func Retry[T any](
	ctx context.Context,
	policy RetryPolicy,
	op func(context.Context) (T, error),
	onRetry func(attempt int, err error, wait time.Duration),
) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		if !policy.ShouldRetry(err, attempt) {
			if IsPermanent(err) || attempt < policy.attempts() {
				return zero, err
			}
			return zero, &RetryError{Attempts: attempt, Err: err}
		}
		wait := policy.Backoff(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
