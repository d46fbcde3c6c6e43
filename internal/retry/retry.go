// Package retry implements the bounded backoff policy for external I/O:
// broker calls and market-data fetches. Attempts are spaced by an
// exponentially growing delay with jitter and stop at MaxAttempts or on
// context cancellation. Callers must only retry idempotent operations;
// broker submissions qualify because the order id doubles as the broker-side
// idempotency token.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config bounds the retry loop.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay separates the first retry from the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// Jitter randomizes each delay by up to the given fraction in either
	// direction, so parallel workers do not retry in lockstep. 0.2 means
	// plus or minus 20%.
	Jitter float64
	// AttemptTimeout bounds each individual attempt. Zero disables it.
	AttemptTimeout time.Duration
}

// DefaultConfig retries three times starting at 100ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	return c
}

// Do runs fn up to cfg.MaxAttempts times, sleeping with exponential backoff
// between failures. The last error is returned wrapped with the attempt
// count. Context cancellation aborts the wait immediately.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()
	var zero T
	var err error
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		var result T
		result, err = runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		if werr := wait(ctx, jittered(delay, cfg.Jitter)); werr != nil {
			return zero, werr
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", cfg.MaxAttempts, err)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	span := float64(d) * jitter
	return time.Duration(float64(d) - span + rand.Float64()*2*span)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
