package errors

import (
	"context"
	"time"
)

// RetryConfig bounds the retry loop of a single unary invocation.
type RetryConfig struct {
	MaxAttempts  int           // total attempts, not additional retries (default: 3)
	TimeoutDelay time.Duration // inserted only after a timeout failure (default: 2s)
}

// DefaultRetryConfig returns the gateway defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		TimeoutDelay: 2 * time.Second,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.TimeoutDelay <= 0 {
		c.TimeoutDelay = 2 * time.Second
	}
	return c
}

// RetryWithResult executes fn up to MaxAttempts times. Any failure is
// retried except one explicitly marked permanent; a fixed delay is inserted
// only after timeout failures. Once the bound is exhausted the last observed
// error is returned unwrapped, so a caller sees the real timeout rather than
// a generic wrapper.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	config = config.normalized()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}
		if IsTimeout(err) {
			select {
			case <-time.After(config.TimeoutDelay):
			case <-ctx.Done():
				return zero, lastErr
			}
		}
	}

	return zero, lastErr
}
