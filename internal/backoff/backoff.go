// Package backoff provides a bounded exponential-backoff retry combinator,
// used wherever a remote dependency's availability must be polled (e.g. the
// generation backend's readiness probe).
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config bounds the retry loop: a maximum attempt count and a fixed cap on
// the delay between attempts.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Cap is the maximum delay between retries.
	Cap time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Jitter is the maximum random variation applied to each delay, as a
	// fraction in [0, 1). Keeps concurrent probers from synchronizing.
	Jitter float64
}

// DefaultConfig returns sensible probing defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Initial:     200 * time.Millisecond,
		Cap:         5 * time.Second,
		Factor:      2.0,
		Jitter:      0.2,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1 (got %d)", c.MaxAttempts)
	}
	if c.Initial <= 0 {
		return fmt.Errorf("initial delay must be positive (got %v)", c.Initial)
	}
	if c.Cap < c.Initial {
		return fmt.Errorf("cap %v must be >= initial delay %v", c.Cap, c.Initial)
	}
	if c.Factor < 1.0 {
		return fmt.Errorf("factor must be >= 1.0 (got %.2f)", c.Factor)
	}
	return nil
}

// Func is one attempt. Returning nil stops the loop; returning an error
// schedules another attempt until the budget is exhausted.
type Func func(ctx context.Context, attempt int) error

// Retry runs fn with exponential backoff until it succeeds, the attempt
// budget is exhausted, or the context is cancelled. Returns the last error
// on failure.
func Retry(ctx context.Context, config Config, fn Func) error {
	if err := config.Validate(); err != nil {
		return err
	}

	delay := config.Initial
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(ctx, attempt); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay, config.Jitter)):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.Cap {
			delay = config.Cap
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", config.MaxAttempts, lastErr)
}

// withJitter spreads a delay over [d*(1-j), d*(1+j)].
func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) * (1 + spread))
}
