// Package retry wraps calls to external collaborators.
package retry

import (
	"context"
	"time"
)

// Once calls fn, and if it fails, waits backoff and calls it one more time.
// It returns the last error, or ctx's error if ctx ends during the wait.
func Once(ctx context.Context, backoff time.Duration, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return fn(ctx)
}
