package xstream

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the exponential schedule for one broker call.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	)
	return backoff.WithContext(b, ctx)
}

// do runs op until it succeeds, the retry budget is spent or ctx ends.
// Failures come back as *TransportError; context errors are returned unwrapped.
func (p RetryPolicy) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return backoff.Permanent(err)
		}
		return err
	}, p.newBackOff(ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TransportError{Op: name, Err: err}
}
