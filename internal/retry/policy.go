// Package retry holds the bounded reconnection policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// ErrExhausted is returned by Run once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy retries up to MaxAttempts times with a linearly increasing delay:
// attempt n waits n*BaseDelay before it runs.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy is five attempts one second apart, growing linearly.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second}
}

// Delay returns the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.BaseDelay
}

// backoff yields Delay(2), Delay(3), ... and stops after MaxAttempts.
func (p Policy) backoff() goretry.Backoff {
	attempt := 1
	linear := goretry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.Delay(attempt), false
	})
	return goretry.WithMaxRetries(uint64(p.MaxAttempts-1), linear)
}

// Run calls fn until it succeeds, the attempts run out or ctx is done. fn
// receives the 1-based attempt number. Every attempt, the first included, is
// preceded by its delay. A non-nil return wraps ErrExhausted or ctx.Err().
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: no attempts allowed", ErrExhausted)
	}
	if err := sleep(ctx, p.Delay(1)); err != nil {
		return err
	}
	attempt := 0
	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if err := fn(ctx, attempt); err != nil {
			return goretry.RetryableError(err)
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
