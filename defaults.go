package listsync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// retryOnce runs fn and, on failure, retries it exactly once after delay.
// Context cancellation is never retried.
func retryOnce[T any](ctx context.Context, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	op := func() error {
		v, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), 1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
