package remote

import (
	"context"
	"time"

	"github.com/taskassist/featuredev/internal/cancel"
	"github.com/taskassist/featuredev/internal/policy"
)

// RetryOptions bounds Retry.
type RetryOptions struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	Backoff time.Duration
	Token   *cancel.TokenSource
	Op      policy.Operation
}

// Retry runs call until it succeeds, fails with a non-retryable error, or the
// retries are spent. The token is checked before every attempt, during
// backoff and after a successful call; a fired token ends the loop with a
// cancellation error.
func Retry[T any](ctx context.Context, opts RetryOptions, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if err := opts.Token.Check(opts.Op); err != nil {
			return zero, err
		}
		if attempt > 0 && opts.Backoff > 0 {
			if err := sleep(ctx, opts.Token, opts.Backoff*time.Duration(attempt)); err != nil {
				if opts.Token.IsCancellationRequested() {
					return zero, policy.Cancelled(opts.Op)
				}
				return zero, policy.Transient(opts.Op, err)
			}
		}

		value, err := call(ctx)
		if err == nil {
			// A cancel fired while the call was blocked discards its value.
			if err := opts.Token.Check(opts.Op); err != nil {
				return zero, err
			}
			return value, nil
		}
		lastErr = err
		if !policy.IsRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func sleep(ctx context.Context, token *cancel.TokenSource, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return context.Canceled
	}
}
