package util

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

// Backoff is an exponential retry policy. MaxTries counts the first call.
type Backoff struct {
	MaxTries     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// Retryable decides whether an error is retried. Defaults to common.IsRetryable.
	Retryable func(error) bool
}

// DefaultBackoff retries transient errors three times, starting at one second.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxTries:     3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the wait before retry attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if b.MaxDelay > 0 && delay >= float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter {
		// +/- 20%
		delay = delay * (0.8 + 0.4*rand.Float64())
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}

func (b Backoff) retryable(err error) bool {
	if b.Retryable != nil {
		return b.Retryable(err)
	}
	return common.IsRetryable(err)
}

// RetryWithContext calls fn until it succeeds, returns a non-retryable error,
// the attempts are used up or ctx is done. Between attempts it sleeps
// according to the policy.
func RetryWithContext[T any](ctx context.Context, b Backoff, fn func(context.Context) (T, error)) (T, error) {
	maxTries := b.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !b.retryable(err) || attempt == maxTries {
			break
		}
		if err := Sleep(ctx, b.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// RetryErrWithContext is RetryWithContext for functions without a result.
func RetryErrWithContext(ctx context.Context, b Backoff, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry2WithContext is RetryWithContext for functions with two results.
func Retry2WithContext[A, B any](ctx context.Context, b Backoff, fn func(context.Context) (A, B, error)) (A, B, error) {
	type pair struct {
		a A
		b B
	}
	res, err := RetryWithContext(ctx, b, func(ctx context.Context) (pair, error) {
		a, bv, err := fn(ctx)
		return pair{a, bv}, err
	})
	return res.a, res.b, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
