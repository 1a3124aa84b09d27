package firewall

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures caller-side retry of whole idempotent operations.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// RetryableErrors limits retries to errors matching one of these.
	// Empty means every error not listed in FatalErrors is retried.
	RetryableErrors []error
	// FatalErrors are never retried.
	FatalErrors []error
}

// DefaultRetryConfig returns the retry policy used around backend operations.
// Input validation failures are fatal: re-driving them cannot converge.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		FatalErrors:   []error{ErrInvalidEndpoint, ErrNameTooLong, ErrNotPrimed},
	}
}

// Retry executes fn with exponential backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with retry.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		var err error
		result, err = fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err, cfg) {
			return result, err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		delay := calculateDelay(attempt, cfg)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt))

	if cfg.Jitter {
		// Add up to 25% jitter
		jitter := delay * 0.25 * rand.Float64()
		delay += jitter
	}

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}

func isRetryable(err error, cfg RetryConfig) bool {
	for _, fatal := range cfg.FatalErrors {
		if errors.Is(err, fatal) {
			return false
		}
	}

	if len(cfg.RetryableErrors) == 0 {
		return true
	}

	for _, retryable := range cfg.RetryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}

	return false
}

// ErrTemporary marks backend failures that are expected to clear on their
// own, such as xtables lock contention.
var ErrTemporary = errors.New("temporary error")

// WrapTemporary wraps an error as temporary/retryable.
func WrapTemporary(err error) error {
	return &temporaryError{err: err}
}

type temporaryError struct {
	err error
}

func (e *temporaryError) Error() string {
	return e.err.Error()
}

func (e *temporaryError) Unwrap() error {
	return e.err
}

func (e *temporaryError) Is(target error) bool {
	return target == ErrTemporary
}
