// Package resilience provides the building blocks executors and
// handlers compose around unreliable work: retries with backoff,
// per-name circuit breakers, rate limiters, and deadline enforcement.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// BackoffDelay returns the pre-jitter delay applied after the given
// 1-based attempt fails: InitialDelay * BackoffFactor^(attempt-1),
// capped at MaxDelay.
func BackoffDelay(config *RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1))
	if maxD := float64(config.MaxDelay); config.MaxDelay > 0 && d > maxD {
		d = maxD
	}
	return time.Duration(d)
}

// Retry executes fn until it succeeds, fails with a non-retryable
// error category, exhausts MaxAttempts, or ctx ends. Jitter adds a
// random slice of the base delay to spread synchronized retries.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !core.IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := BackoffDelay(config, attempt)
		if config.JitterEnabled && delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithBreaker runs fn through both the retry loop and a circuit
// breaker, so repeated failures back off and eventually short-circuit.
func RetryWithBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if err := cb.Allow(); err != nil {
			return err
		}
		if err := fn(); err != nil {
			cb.RecordFailure(err)
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}
