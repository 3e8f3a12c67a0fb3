// Package retry runs an operation under an injectable retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrMaxAttempts = errors.New("max retry attempts exceeded")

// BackoffFunc returns the wait before the given retry (attempt starts at 1).
type BackoffFunc func(attempt int) time.Duration

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy decides how often and how long to retry.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Retryable   func(error) bool
	Sleep       SleepFunc
	OnRetry     func(attempt int, delay time.Duration, err error)
}

// Exponential doubles from base up to max.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// SleepContext is the real-clock SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
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

// Do runs op until it succeeds, returns a non-retryable error, or attempts run out.
// Exhaustion wraps the last error together with ErrMaxAttempts.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Exponential(time.Second, 32*time.Second)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, attempts, err)
}
