// Package heartbeat runs a remote call alongside a keepalive timer so a
// streaming consumer never goes silent while the call is outstanding.
package heartbeat

import (
	"context"
	"time"
)

// Config tunes the heartbeat pattern.
type Config struct {
	// Period between keepalive emissions while the call is outstanding.
	Period time.Duration
	// Grace bounds how long a cancelled call is awaited before Guard
	// returns. The worker goroutine is never abandoned silently beyond
	// this window.
	Grace time.Duration
}

// DefaultConfig matches the orchestrator's 30s keepalive cadence.
func DefaultConfig() Config {
	return Config{Period: 30 * time.Second, Grace: time.Second}
}

func (c Config) normalized() Config {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = time.Second
	}
	return c
}

type outcome[T any] struct {
	value T
	err   error
}

// Guard runs call in its own goroutine and invokes beat once per period
// until the call finishes. The consumer driving Guard waits at most one
// period without either a keepalive or the real result. When ctx is
// cancelled the call is cancelled too and awaited for Grace; no beat fires
// after Guard returns.
func Guard[T any](ctx context.Context, cfg Config, beat func(), call func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome[T], 1)
	go func() {
		value, err := call(callCtx)
		results <- outcome[T]{value: value, err: err}
	}()

	ticker := time.NewTicker(cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case result := <-results:
			return result.value, result.err
		case <-ticker.C:
			if beat != nil {
				beat()
			}
		case <-ctx.Done():
			cancel()
			var zero T
			select {
			case result := <-results:
				if result.err != nil {
					return zero, result.err
				}
				return result.value, ctx.Err()
			case <-time.After(cfg.Grace):
				// The call did not observe cancellation within the
				// grace window; its buffered result is dropped.
				return zero, ctx.Err()
			}
		}
	}
}
