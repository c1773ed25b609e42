package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultRetryDelay = time.Second

// connect calls open up to attempts times. The wait between attempts
// doubles, capped at maxDelay, and ends early when ctx is done.
func connect[T any](ctx context.Context, name string, attempts int, delay time.Duration, open func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts = max(attempts, 1)
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	const maxDelay = 30 * time.Second
	var lastErr error
	for i := range attempts {
		if i > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, fmt.Errorf("%s: %w", name, errors.Join(ctx.Err(), lastErr))
			case <-t.C:
			}
			delay = min(delay*2, maxDelay)
		}
		v, err := open(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%s: %d attempt(s) failed: %w", name, attempts, lastErr)
}
