package remote_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/taskassist/featuredev/internal/cancel"
	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
	"github.com/taskassist/featuredev/internal/remote/remotetest"
)

func TestWaitForCompletionReturnsOnComplete(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Statuses: []remote.Status{
		{State: remote.JobInProgress},
		{State: remote.JobInProgress},
		{State: remote.JobComplete},
	}}

	status, err := remote.WaitForCompletion(context.Background(), fake, "c", "j", remote.PollOptions{
		Interval: time.Millisecond,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, remote.JobComplete, status.State)
	assert.Equal(t, 3, fake.Count(policy.OpGetCodeGeneration))
}

func TestWaitForCompletionReportsRemoteFailure(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Statuses: []remote.Status{{State: remote.JobFailed, Reason: "guardrails"}}}

	status, err := remote.WaitForCompletion(context.Background(), fake, "c", "j", remote.PollOptions{
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, remote.JobFailed, status.State)
	assert.Equal(t, policy.KindRemoteFailure, policy.KindOf(err))
	assert.Equal(t, "guardrails", policy.ReasonOf(err))
}

func TestWaitForCompletionTimesOutAsTransient(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Statuses: []remote.Status{{State: remote.JobInProgress}}}

	_, err := remote.WaitForCompletion(context.Background(), fake, "c", "j", remote.PollOptions{
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, policy.IsRetryable(err))
	assert.ErrorIs(t, err, remote.ErrPollTimeout)
}

func TestWaitForCompletionStopsWhenTokenFires(t *testing.T) {
	t.Parallel()

	token := cancel.NewTokenSource()
	fake := &remotetest.Fake{Statuses: []remote.Status{{State: remote.JobInProgress}}}
	fake.OnCall = func(policy.Operation) { token.Cancel() }

	_, err := remote.WaitForCompletion(context.Background(), fake, "c", "j", remote.PollOptions{
		Interval: time.Hour,
		Timeout:  time.Hour,
		Token:    token,
	})
	require.Error(t, err)
	assert.Equal(t, policy.KindCancelled, policy.KindOf(err))
	assert.Equal(t, 1, fake.Count(policy.OpGetCodeGeneration))
}

func TestWaitForCompletionToleratesTransientErrors(t *testing.T) {
	t.Parallel()

	flaky := policy.Transient(policy.OpGetCodeGeneration, errors.New("connection reset"))
	fake := &remotetest.Fake{
		Statuses: []remote.Status{{State: remote.JobComplete}},
		Errors:   map[policy.Operation][]error{policy.OpGetCodeGeneration: {flaky, flaky}},
	}

	_, err := remote.WaitForCompletion(context.Background(), fake, "c", "j", remote.PollOptions{
		Interval:           time.Millisecond,
		Timeout:            time.Second,
		MaxTransientErrors: 2,
	})
	require.NoError(t, err)

	fake = &remotetest.Fake{
		Errors: map[policy.Operation][]error{policy.OpGetCodeGeneration: {flaky, flaky}},
	}
	_, err = remote.WaitForCompletion(context.Background(), fake, "c", "j", remote.PollOptions{
		Interval:           time.Millisecond,
		Timeout:            time.Second,
		MaxTransientErrors: 1,
	})
	require.Error(t, err)
	assert.True(t, policy.IsRetryable(err))
}

func TestWaitForCompletionReturnsDomainErrorsImmediately(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{
		Errors: map[policy.Operation][]error{
			policy.OpGetCodeGeneration: {policy.Domain(policy.OpGetCodeGeneration, "unknown job", nil)},
		},
	}
	_, err := remote.WaitForCompletion(context.Background(), fake, "c", "j", remote.PollOptions{
		Interval:           time.Millisecond,
		Timeout:            time.Second,
		MaxTransientErrors: 5,
	})
	assert.Equal(t, policy.KindDomainRemote, policy.KindOf(err))
	assert.Equal(t, 1, fake.Count(policy.OpGetCodeGeneration))
}

func TestRetryStopsOnSuccessAndDomainErrors(t *testing.T) {
	t.Parallel()

	attempts := 0
	value, err := remote.Retry(context.Background(), remote.RetryOptions{Retries: 3, Op: policy.OpCreateConversation},
		func(context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("timeout")
			}
			return "conv", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "conv", value)
	assert.Equal(t, 3, attempts)

	attempts = 0
	_, err = remote.Retry(context.Background(), remote.RetryOptions{Retries: 3, Op: policy.OpCreateConversation},
		func(context.Context) (string, error) {
			attempts++
			return "", policy.Domain(policy.OpCreateConversation, "quota", nil)
		})
	assert.Equal(t, policy.KindDomainRemote, policy.KindOf(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := remote.Retry(context.Background(), remote.RetryOptions{Retries: 2, Backoff: time.Millisecond, Op: policy.OpCreateConversation},
		func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("flaky")
		})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryObservesToken(t *testing.T) {
	t.Parallel()

	token := cancel.NewTokenSource()
	attempts := 0
	_, err := remote.Retry(context.Background(), remote.RetryOptions{Retries: 5, Backoff: time.Hour, Token: token, Op: policy.OpCreateConversation},
		func(context.Context) (int, error) {
			attempts++
			token.Cancel()
			return 0, errors.New("flaky")
		})
	assert.Equal(t, policy.KindCancelled, policy.KindOf(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryDiscardsValueWhenCancelledDuringCall(t *testing.T) {
	t.Parallel()

	token := cancel.NewTokenSource()
	value, err := remote.Retry(context.Background(), remote.RetryOptions{Retries: 2, Token: token, Op: policy.OpCreateConversation},
		func(context.Context) (string, error) {
			token.Cancel()
			return "conversation-1", nil
		})
	require.Error(t, err)
	assert.Equal(t, policy.KindCancelled, policy.KindOf(err))
	assert.Empty(t, value)
}

func TestInstrumentedClientEmitsSpansAndEvents(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	})

	bus := events.New()
	results := make(chan events.OperationResultPayload, 8)
	bus.Subscribe(events.EventTypeOperationResult, func(event events.Event) {
		results <- event.Payload.(events.OperationResultPayload)
	})

	fake := &remotetest.Fake{
		Raw: codegen.RawResult{DeletedFiles: []string{"a.go"}},
		Errors: map[policy.Operation][]error{
			policy.OpStartCodeGeneration: {policy.Domain(policy.OpStartCodeGeneration, "quota exceeded", nil)},
		},
	}
	client := remote.Instrument(fake, bus, nil)

	conversationID, err := client.CreateConversation(context.Background())
	require.NoError(t, err)
	_, err = client.StartCodeGeneration(context.Background(), remote.StartRequest{ConversationID: conversationID})
	require.Error(t, err)
	raw, err := client.ExportResultArchive(context.Background(), conversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, raw.DeletedFiles)

	got := map[string]string{}
	for i := 0; i < 3; i++ {
		select {
		case payload := <-results:
			got[payload.Operation] = payload.Result
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for operation results")
		}
	}
	assert.Equal(t, "Success", got["CreateConversation"])
	assert.Equal(t, "Error", got["StartTaskAssistCodeGenerator"])
	assert.Equal(t, "Success", got["ExportTaskAssistArchiveResult"])

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		spans[span.Name()] = span
	}
	require.Contains(t, spans, "remote.CreateConversation")
	require.Contains(t, spans, "remote.StartTaskAssistCodeGenerator")
	assert.Equal(t, codes.Ok, spans["remote.CreateConversation"].Status().Code)
	assert.Equal(t, codes.Error, spans["remote.StartTaskAssistCodeGenerator"].Status().Code)
}
