package utils

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffKind selects how the base delay grows with each attempt.
type BackoffKind int

const (
	// BackoffLinear waits base*attempt.
	BackoffLinear BackoffKind = iota
	// BackoffExponential waits base*factor^(attempt-1).
	BackoffExponential
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	MinDelay      time.Duration
	BackoffFactor float64
	Kind          BackoffKind
	// Jitter is the symmetric random spread applied to each delay, e.g. 0.2 for +/-20%.
	Jitter float64
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		MinDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
		Kind:          BackoffExponential,
		Jitter:        0.2,
	}
}

// LinearRetryConfig returns a linear backoff configuration with +/-jitter.
func LinearRetryConfig(attempts int, base time.Duration, jitter float64) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialDelay = base
	cfg.Kind = BackoffLinear
	cfg.Jitter = jitter
	return cfg
}

// ExponentialRetryConfig returns a doubling backoff configuration with +/-jitter.
func ExponentialRetryConfig(attempts int, base time.Duration, jitter float64) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialDelay = base
	cfg.Kind = BackoffExponential
	cfg.Jitter = jitter
	return cfg
}

// Delay returns the wait after the given 1-based failed attempt.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base float64
	switch c.Kind {
	case BackoffLinear:
		base = float64(c.InitialDelay) * float64(attempt)
	default:
		factor := c.BackoffFactor
		if factor <= 0 {
			factor = 2
		}
		base = float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1))
	}

	if c.Jitter > 0 {
		rnd := c.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		base += base * c.Jitter * (2*rnd() - 1)
	}

	if c.MaxDelay > 0 && base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	if base < float64(c.MinDelay) {
		base = float64(c.MinDelay)
	}
	return time.Duration(base)
}

// Sleep waits for d or until ctx is done, whichever comes first.
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

// Retry runs fn until it succeeds, attempts run out, or ctx is cancelled.
// It returns the number of attempts made and the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) (int, error) {
	_, attempts, err := RetryWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return attempts, err
}

// RetryWithResult runs fn with bounded attempts and a cancellable backoff between them.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(attempt int) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return zero, attempt - 1, lastErr
		}

		result, err := fn(attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		// Don't sleep after the last attempt
		if attempt < maxAttempts {
			if err := Sleep(ctx, cfg.Delay(attempt)); err != nil {
				return zero, attempt, lastErr
			}
		}
	}

	return zero, maxAttempts, lastErr
}
