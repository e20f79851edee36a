package remote

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskassist/featuredev/internal/cancel"
	"github.com/taskassist/featuredev/internal/policy"
)

// ErrPollTimeout reports a job that was still running when polling gave up.
var ErrPollTimeout = errors.New("code generation did not finish before the poll timeout")

// PollOptions bounds WaitForCompletion.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxTransientErrors is how many consecutive retryable status errors are tolerated.
	MaxTransientErrors int
	Token              *cancel.TokenSource
}

// WaitForCompletion polls the job until it completes, fails, times out, or the
// token fires. The first status call is immediate; later calls are paced at
// Interval. A FAILED job is returned with a policy.RemoteFailure error, a
// timeout with a transient error wrapping ErrPollTimeout.
func WaitForCompletion(ctx context.Context, client Client, conversationID, jobID string, opts PollOptions) (Status, error) {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}

	pollCtx, cancelPoll := context.WithTimeout(ctx, opts.Timeout)
	defer cancelPoll()
	waitCtx, stopWait := opts.Token.Bind(pollCtx)
	defer stopWait()

	limiter := rate.NewLimiter(rate.Every(opts.Interval), 1)
	consecutiveErrors := 0
	var last Status

	for {
		if err := opts.Token.Check(policy.OpAwaitCodeGeneration); err != nil {
			return last, err
		}
		if err := limiter.Wait(waitCtx); err != nil {
			return last, waitError(ctx, opts.Token)
		}
		if err := opts.Token.Check(policy.OpAwaitCodeGeneration); err != nil {
			return last, err
		}

		status, err := client.GetCodeGenerationStatus(pollCtx, conversationID, jobID)
		if err != nil {
			if pollCtx.Err() != nil {
				return last, waitError(ctx, opts.Token)
			}
			if !policy.IsRetryable(err) {
				return last, err
			}
			consecutiveErrors++
			if consecutiveErrors > opts.MaxTransientErrors {
				return last, err
			}
			continue
		}
		consecutiveErrors = 0
		last = status

		switch status.State {
		case JobComplete:
			return status, nil
		case JobFailed:
			reason := status.Reason
			if reason == "" {
				reason = "code generation failed"
			}
			return status, policy.RemoteFailure(policy.OpGetCodeGeneration, reason)
		}
	}
}

func waitError(parent context.Context, token *cancel.TokenSource) error {
	if token.IsCancellationRequested() || errors.Is(parent.Err(), context.Canceled) {
		return policy.Cancelled(policy.OpAwaitCodeGeneration)
	}
	return policy.Transient(policy.OpAwaitCodeGeneration, ErrPollTimeout)
}
