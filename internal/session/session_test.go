package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskassist/featuredev/internal/cancel"
	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/diffmetrics"
	"github.com/taskassist/featuredev/internal/packager"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
	"github.com/taskassist/featuredev/internal/remote/remotetest"
)

func TestPreloadThenInteractConsumesOneIteration(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tabId", fake, nil)

	in, err := session.Preload(context.Background(), "add a health endpoint")
	require.NoError(t, err)
	require.True(t, in.Succeeded)

	cg, ok := session.State().(*CodeGenerationState)
	require.True(t, ok, "state after preload = %T", session.State())
	assert.Equal(t, PhaseCodegen, cg.Phase())
	assert.Equal(t, 1, cg.CurrentIteration())
	assert.Equal(t, 3, cg.Remaining())
	assert.Equal(t, 3, cg.Total())
	assert.Equal(t, "tabId", cg.TabID())
	assert.Equal(t, "add a health endpoint", cg.Approach())
	assert.Equal(t, "conversation-1", session.ConversationID())

	in, err = session.Send(context.Background(), "test-task", "Test Message")
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
	require.NotNil(t, in.Content)
	assert.Equal(t, "", *in.Content)

	next, ok := session.State().(*CodeGenerationState)
	require.True(t, ok)
	assert.Equal(t, PhaseCodegen, next.Phase())
	assert.Equal(t, 2, next.Remaining())
	assert.Equal(t, 3, next.Total())
	assert.Equal(t, 2, next.CurrentIteration())
	assert.Equal(t, "job-1", next.JobID())
	assert.Equal(t, JobInProgress, next.Status())

	starts := fake.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, remote.StartRequest{
		ConversationID: "conversation-1",
		UploadID:       "upload-1",
		Task:           "test-task",
		Message:        "Test Message",
		Intent:         remote.IntentDevelopment,
	}, starts[0])
}

func TestNotStartedStateRejectsInteraction(t *testing.T) {
	t.Parallel()

	state := NewNotStartedState("tab-1", "", cancel.NewTokenSource())
	out, err := Transition(context.Background(), state, Action{Task: "task", Msg: "msg"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, &IllegalTransitionError{}))
	assert.Equal(t, policy.KindIllegalTransition, policy.KindOf(err))
	assert.Equal(t, "illegal transition between states, restart the conversation", err.Error())
	assert.Nil(t, out.NextState)
}

func TestSendBeforePreloadIsIllegal(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, nil)

	_, err := session.Send(context.Background(), "task", "msg")
	assert.ErrorIs(t, err, &IllegalTransitionError{})
	assert.Empty(t, fake.Calls())
}

func TestPreloadRunsOnce(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, nil)

	_, err := session.Preload(context.Background(), "first")
	require.NoError(t, err)

	_, err = session.Preload(context.Background(), "second")
	assert.ErrorIs(t, err, &IllegalTransitionError{})
	assert.Equal(t, 1, fake.Count(policy.OpCreateConversation))
	assert.Equal(t, "first", session.State().Approach())
}

func TestPreloadRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Errors: map[policy.Operation][]error{
		policy.OpCreateConversation: {policy.Transient(policy.OpCreateConversation, errors.New("connection reset"))},
	}}
	session := newTestSession(t, "tab-1", fake, func(d *Dependencies) { d.PreloadRetries = 1 })

	in, err := session.Preload(context.Background(), "approach")
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
	assert.Equal(t, 2, fake.Count(policy.OpCreateConversation))
}

func TestPreloadFailureStaysNotStarted(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Errors: map[policy.Operation][]error{
		policy.OpCreateConversation: {policy.Domain(policy.OpCreateConversation, "conversation quota exceeded", nil)},
	}}
	session := newTestSession(t, "tab-1", fake, nil)

	in, err := session.Preload(context.Background(), "approach")
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindDomainRemote, in.Reason)
	assert.Equal(t, PhaseInit, session.State().Phase())
}

func TestExhaustedStateRefusesWithoutRemoteCall(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	repo := newFakePackager(t)
	state := NewCodeGenerationState("tab-1", "", cancel.NewTokenSource(),
		StateConfig{ConversationID: "conversation-1", Repo: repo, Service: fake}, 4, 0, 3)

	out, err := Transition(context.Background(), state, Action{Task: "task", Msg: "msg"})
	require.NoError(t, err)
	assert.Nil(t, out.NextState)
	assert.False(t, out.Interaction.Succeeded)
	assert.Equal(t, policy.KindIterationExhausted, out.Interaction.Reason)
	require.NotNil(t, out.Interaction.Content)
	assert.NotEmpty(t, *out.Interaction.Content)
	assert.Empty(t, fake.Calls())
	assert.Empty(t, repo.artifacts())
}

func TestSessionEndsWhenIterationsRunOut(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, func(d *Dependencies) { d.RetryLimit = 1 })
	preload(t, session)

	in, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	require.True(t, in.Succeeded)

	in, err = session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindIterationExhausted, in.Reason)
	assert.True(t, session.Closed())

	_, err = session.Send(context.Background(), "task", "msg")
	assert.ErrorIs(t, err, &IllegalTransitionError{})
	assert.Equal(t, 1, fake.Count(policy.OpStartCodeGeneration))
}

func TestCancellationDuringSubmissionLeavesCountersUnchanged(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	var session *Session
	fake.OnCall = func(op policy.Operation) {
		if op == policy.OpStartCodeGeneration {
			session.Cancel()
		}
	}
	session = newTestSession(t, "tab-1", fake, nil)
	preload(t, session)

	in, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindCancelled, in.Reason)

	cg := session.State().(*CodeGenerationState)
	assert.Equal(t, 1, cg.CurrentIteration())
	assert.Equal(t, 3, cg.Remaining())
	assert.Equal(t, 3, cg.Total())
	assert.Empty(t, cg.JobID())
	assert.False(t, session.Closed())
}

func TestResetCancellationAllowsAnotherSubmission(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, nil)
	preload(t, session)

	session.Cancel()
	in, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	require.Equal(t, policy.KindCancelled, in.Reason)
	assert.Zero(t, fake.Count(policy.OpStartCodeGeneration))

	require.NoError(t, session.ResetCancellation())
	in, err = session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
	assert.Equal(t, 2, session.State().(*CodeGenerationState).Remaining())
}

func TestCancelDuringPreloadStaysNotStarted(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	var session *Session
	fake.OnCall = func(op policy.Operation) {
		if op == policy.OpCreateConversation {
			session.Cancel()
		}
	}
	recorder := &fakeRecorder{}
	session = newTestSession(t, "tab-1", fake, func(d *Dependencies) { d.Recorder = recorder })

	in, err := session.Preload(context.Background(), "approach")
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindCancelled, in.Reason)
	assert.Equal(t, PhaseInit, session.State().Phase())
	assert.Empty(t, session.ConversationID())
	assert.Equal(t, 1, fake.Count(policy.OpCreateConversation))

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Empty(t, recorder.started)
}

func TestResetCancellationRebindsStateToken(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, nil)
	preload(t, session)

	session.Cancel()
	require.True(t, session.State().Token().IsCancellationRequested())
	before := session.State().(*CodeGenerationState)

	require.NoError(t, session.ResetCancellation())
	state := session.State()
	assert.False(t, state.Token().IsCancellationRequested())
	assert.True(t, before.Token().IsCancellationRequested())
	assert.Equal(t, before.Remaining(), state.(*CodeGenerationState).Remaining())
	assert.Equal(t, before.Approach(), state.Approach())

	out, err := Transition(context.Background(), state, Action{Task: "t", Msg: "m"})
	require.NoError(t, err)
	assert.True(t, out.Interaction.Succeeded)
	assert.Equal(t, 1, fake.Count(policy.OpStartCodeGeneration))
}

func TestResetCancellationBeforePreload(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, nil)
	session.Cancel()
	require.NoError(t, session.ResetCancellation())
	assert.False(t, session.State().Token().IsCancellationRequested())

	in, err := session.Preload(context.Background(), "approach")
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
	assert.Equal(t, PhaseCodegen, session.State().Phase())
}

func TestAwaitResultAdoptsReportedCeiling(t *testing.T) {
	t.Parallel()

	firstRemaining, firstTotal := 4, 5
	laterRemaining, laterTotal := 3, 9
	fake := &remotetest.Fake{Statuses: []remote.Status{
		{State: remote.JobComplete, Remaining: &firstRemaining, Total: &firstTotal},
		{State: remote.JobComplete, Remaining: &laterRemaining, Total: &laterTotal},
	}}
	session := newTestSession(t, "tab-1", fake, nil)
	preload(t, session)

	_, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	in, err := session.AwaitResult(context.Background())
	require.NoError(t, err)
	require.True(t, in.Succeeded)

	cg := session.State().(*CodeGenerationState)
	assert.Equal(t, 5, cg.Total())
	assert.Equal(t, 4, cg.Remaining())
	assert.Equal(t, 5, *cg.Result().TotalIterationCount)

	_, err = session.Send(context.Background(), "task", "again")
	require.NoError(t, err)
	in, err = session.AwaitResult(context.Background())
	require.NoError(t, err)
	require.True(t, in.Succeeded)

	cg = session.State().(*CodeGenerationState)
	assert.Equal(t, 5, cg.Total(), "the first reported ceiling stays fixed")
	assert.Equal(t, 3, cg.Remaining())
}

func TestSubmissionFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		op           policy.Operation
		err          error
		packagerErr  error
		wantKind     policy.Kind
		wantTerminal bool
	}{
		{
			name:     "transient upload url failure keeps state",
			op:       policy.OpCreateUploadURL,
			err:      policy.Transient(policy.OpCreateUploadURL, errors.New("timeout")),
			wantKind: policy.KindTransientRemote,
		},
		{
			name:         "quota rejection ends conversation",
			op:           policy.OpStartCodeGeneration,
			err:          policy.Domain(policy.OpStartCodeGeneration, "monthly conversation limit reached", nil),
			wantKind:     policy.KindDomainRemote,
			wantTerminal: true,
		},
		{
			name:        "oversized workspace keeps state",
			packagerErr: policy.SizeExceeded(300, 200),
			wantKind:    policy.KindSizeExceeded,
		},
		{
			name:        "folder selection keeps state",
			packagerErr: policy.WorkspaceSelection(policy.NotInWorkspaceFolder),
			wantKind:    policy.KindWorkspaceSelection,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := &remotetest.Fake{}
			if tt.err != nil {
				fake.Errors = map[policy.Operation][]error{tt.op: {tt.err}}
			}
			repo := newFakePackager(t)
			repo.err = tt.packagerErr
			session := newTestSessionWithRepo(t, "tab-1", fake, repo, nil)
			preload(t, session)
			before := session.State()

			in, err := session.Send(context.Background(), "task", "msg")
			require.NoError(t, err)
			assert.False(t, in.Succeeded)
			assert.Equal(t, tt.wantKind, in.Reason)
			require.NotNil(t, in.Content)
			assert.NotEmpty(t, *in.Content)
			assert.Equal(t, tt.wantTerminal, session.Closed())
			if !tt.wantTerminal {
				assert.Same(t, before, session.State())
			}
		})
	}
}

func TestArtifactIsDeletedOnEveryPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		errors map[policy.Operation][]error
		cancel bool
	}{
		{name: "success"},
		{name: "upload url failure", errors: map[policy.Operation][]error{
			policy.OpCreateUploadURL: {policy.Transient(policy.OpCreateUploadURL, errors.New("boom"))},
		}},
		{name: "start failure", errors: map[policy.Operation][]error{
			policy.OpStartCodeGeneration: {policy.Domain(policy.OpStartCodeGeneration, "rejected", nil)},
		}},
		{name: "cancelled", cancel: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := &remotetest.Fake{Errors: tt.errors}
			var session *Session
			if tt.cancel {
				fake.OnCall = func(op policy.Operation) {
					if op == policy.OpCreateUploadURL {
						session.Cancel()
					}
				}
			}
			repo := newFakePackager(t)
			session = newTestSessionWithRepo(t, "tab-1", fake, repo, nil)
			preload(t, session)

			_, err := session.Send(context.Background(), "task", "msg")
			require.NoError(t, err)

			artifacts := repo.artifacts()
			require.Len(t, artifacts, 1)
			_, statErr := os.Stat(artifacts[0].Path)
			assert.True(t, os.IsNotExist(statErr), "artifact %s still exists", artifacts[0].Path)
		})
	}
}

func TestEmptyActionIsRejectedWithoutCharge(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, nil)
	preload(t, session)

	in, err := session.Send(context.Background(), " ", "msg")
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindInvalidAction, in.Reason)
	assert.Equal(t, 3, session.State().(*CodeGenerationState).Remaining())
	assert.Zero(t, fake.Count(policy.OpStartCodeGeneration))
}

func TestInteractCreatesConversationWhenConfigHasNone(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{
		ConversationID: "conversation-late",
		UploadURL:      "file://" + filepath.Join(t.TempDir(), "staging", "upload.zip"),
	}
	state := NewCodeGenerationState("tab-1", "", cancel.NewTokenSource(),
		StateConfig{Repo: newFakePackager(t), Service: fake}, 1, 3, 3)

	out, err := Transition(context.Background(), state, Action{Task: "task", Msg: "msg"})
	require.NoError(t, err)
	require.True(t, out.Interaction.Succeeded)

	next := out.NextState.(*CodeGenerationState)
	assert.Equal(t, "conversation-late", next.Config().ConversationID)
	assert.Empty(t, state.Config().ConversationID)
	assert.Equal(t, []policy.Operation{
		policy.OpCreateConversation,
		policy.OpCreateUploadURL,
		policy.OpStartCodeGeneration,
	}, fake.Calls())
}

func TestActionTokenOverridesStateToken(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	state := NewCodeGenerationState("tab-1", "", cancel.NewTokenSource(),
		StateConfig{ConversationID: "conversation-1", Repo: newFakePackager(t), Service: fake}, 1, 3, 3)
	fired := cancel.NewTokenSource()
	fired.Cancel()

	out, err := Transition(context.Background(), state, Action{Task: "task", Msg: "msg", Token: fired})
	require.NoError(t, err)
	assert.Equal(t, policy.KindCancelled, out.Interaction.Reason)
	assert.Same(t, state, out.NextState)
	assert.Empty(t, fake.Calls())
}

func TestAwaitResultBuildsChangeSet(t *testing.T) {
	t.Parallel()

	remaining, total := 2, 3
	fake := &remotetest.Fake{
		Statuses: []remote.Status{
			{State: remote.JobInProgress},
			{State: remote.JobComplete, Remaining: &remaining, Total: &total},
		},
		Raw: codegen.RawResult{
			NewFileContents: codegen.FileContents{
				{Path: "internal/health/handler.go", Content: "package health\n"},
				{Path: "internal/health/handler_test.go", Content: "package health\n"},
			},
			DeletedFiles: []string{"legacy/health.go"},
		},
	}
	session := newTestSession(t, "tab-1", fake, nil)
	preload(t, session)
	_, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)

	in, err := session.AwaitResult(context.Background())
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
	require.NotNil(t, in.Content)
	assert.NotEmpty(t, *in.Content)

	cg := session.State().(*CodeGenerationState)
	result := cg.Result()
	require.NotNil(t, result)
	assert.Equal(t, JobComplete, cg.Status())
	assert.Empty(t, cg.JobID())
	require.Len(t, result.NewFiles, 2)
	assert.Equal(t, "internal/health/handler.go", result.NewFiles[0].ZipFilePath)
	assert.False(t, result.NewFiles[0].Rejected)
	assert.False(t, result.NewFiles[0].ChangeApplied)
	require.NotNil(t, result.RemainingIterationCount)
	assert.Equal(t, 2, *result.RemainingIterationCount)

	result.NewFiles[0].Rejected = true
	assert.False(t, cg.Result().NewFiles[0].Rejected, "callers must not reach the state's change set")
	assert.Equal(t, 2, fake.Count(policy.OpGetCodeGeneration))

	assert.ElementsMatch(t, []string{
		"internal/health/handler.go",
		"internal/health/handler_test.go",
		"legacy/health.go",
	}, session.DiffMetrics().Generated)
}

func TestAwaitResultReportsRemoteFailure(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Statuses: []remote.Status{{State: remote.JobFailed, Reason: "guardrails blocked the request"}}}
	session := newTestSession(t, "tab-1", fake, nil)
	preload(t, session)
	_, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)

	in, err := session.AwaitResult(context.Background())
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindRemoteFailure, in.Reason)
	assert.Contains(t, *in.Content, "guardrails blocked the request")

	cg := session.State().(*CodeGenerationState)
	assert.Equal(t, JobFailed, cg.Status())
	assert.Equal(t, 2, cg.Remaining())
	assert.False(t, session.Closed())
	assert.Zero(t, fake.Count(policy.OpExportArchiveResult))

	in, err = session.Send(context.Background(), "task", "try again")
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
}

func TestAwaitResultTimesOutWithoutChangingState(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Statuses: []remote.Status{{State: remote.JobInProgress}}}
	session := newTestSession(t, "tab-1", fake, func(d *Dependencies) {
		d.Poll = remote.PollOptions{Interval: time.Millisecond, Timeout: 30 * time.Millisecond}
	})
	preload(t, session)
	_, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	before := session.State()

	in, err := session.AwaitResult(context.Background())
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindTransientRemote, in.Reason)
	assert.Same(t, before, session.State())
	assert.Equal(t, "job-1", session.State().(*CodeGenerationState).JobID())
}

func TestAwaitResultWithoutPendingJob(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	session := newTestSession(t, "tab-1", fake, nil)
	preload(t, session)

	in, err := session.AwaitResult(context.Background())
	require.NoError(t, err)
	assert.False(t, in.Succeeded)
	assert.Equal(t, policy.KindInvalidAction, in.Reason)
	assert.Zero(t, fake.Count(policy.OpGetCodeGeneration))
}

func TestConcurrentCallIsRejected(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{}
	var session *Session
	var nestedErr error
	fake.OnCall = func(op policy.Operation) {
		if op == policy.OpStartCodeGeneration {
			_, nestedErr = session.Send(context.Background(), "task", "msg")
		}
	}
	session = newTestSession(t, "tab-1", fake, nil)
	preload(t, session)

	in, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
	assert.ErrorIs(t, nestedErr, ErrInteractionInFlight)
}

func TestCloseRecordsDiffMetricsAndEndsSession(t *testing.T) {
	t.Parallel()

	fake := &remotetest.Fake{Raw: codegen.RawResult{
		NewFileContents: codegen.FileContents{{Path: "a.go", Content: "package a\n"}, {Path: "b.go", Content: "package b\n"}},
	}}
	recorder := &fakeRecorder{}
	session := newTestSession(t, "tab-1", fake, func(d *Dependencies) { d.Recorder = recorder })
	preload(t, session)
	_, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)
	_, err = session.AwaitResult(context.Background())
	require.NoError(t, err)

	session.RecordReview(context.Background(), "a.go", true)
	session.RecordReview(context.Background(), "b.go", false)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	assert.Equal(t, PhaseClosed, session.History()[len(session.History())-1].To)
	_, err = session.Send(context.Background(), "task", "msg")
	assert.ErrorIs(t, err, &IllegalTransitionError{})
	_, err = session.Preload(context.Background(), "again")
	assert.ErrorIs(t, err, &IllegalTransitionError{})

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.started, 1)
	assert.Equal(t, "conversation-1", recorder.started[0].ConversationID)
	require.Len(t, recorder.iterations, 2)
	assert.Equal(t, StageSubmitted, recorder.iterations[0].Stage)
	assert.Equal(t, StageCompleted, recorder.iterations[1].Stage)
	assert.Equal(t, 2, recorder.iterations[1].Files)
	assert.Len(t, recorder.decisions, 2)
	require.Len(t, recorder.closed, 1)
	assert.Equal(t, []string{"a.go"}, recorder.closed[0].Accepted)
	assert.Equal(t, []string{"a.go", "b.go"}, recorder.closed[0].Generated)
}

func TestRecorderFailureDoesNotFailInteraction(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{err: errors.New("disk full")}
	session := newTestSession(t, "tab-1", &remotetest.Fake{}, func(d *Dependencies) { d.Recorder = recorder })

	in, err := session.Preload(context.Background(), "approach")
	require.NoError(t, err)
	assert.True(t, in.Succeeded)
}

func TestHistoryTracksTransitions(t *testing.T) {
	t.Parallel()

	session := newTestSession(t, "tab-1", &remotetest.Fake{}, nil)
	preload(t, session)
	_, err := session.Send(context.Background(), "task", "msg")
	require.NoError(t, err)

	history := session.History()
	require.Len(t, history, 2)
	assert.Equal(t, PhaseInit, history[0].From)
	assert.Equal(t, PhaseCodegen, history[0].To)
	assert.Equal(t, policy.OpPreloadConversation, history[0].Op)
	assert.Equal(t, PhaseCodegen, history[1].From)
	assert.Equal(t, 2, history[1].Iteration)
	assert.Equal(t, 2, history[1].Remaining)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New("tab", Dependencies{Repo: newFakePackager(t)})
	assert.Error(t, err)
	_, err = New("tab", Dependencies{Service: &remotetest.Fake{}})
	assert.Error(t, err)

	session, err := New("", Dependencies{Service: &remotetest.Fake{}, Repo: newFakePackager(t)})
	require.NoError(t, err)
	assert.NotEmpty(t, session.TabID())
	assert.Equal(t, PhaseInit, session.State().Phase())
}

func newTestSession(t *testing.T, tabID string, fake *remotetest.Fake, configure func(*Dependencies)) *Session {
	t.Helper()
	return newTestSessionWithRepo(t, tabID, fake, newFakePackager(t), configure)
}

func newTestSessionWithRepo(t *testing.T, tabID string, fake *remotetest.Fake, repo *fakePackager, configure func(*Dependencies)) *Session {
	t.Helper()
	deps := Dependencies{
		Service:  fake,
		Repo:     repo,
		Uploader: &fakeUploader{},
		Poll:     remote.PollOptions{Interval: time.Millisecond, Timeout: time.Second},
	}
	if configure != nil {
		configure(&deps)
	}
	session, err := New(tabID, deps)
	require.NoError(t, err)
	return session
}

func preload(t *testing.T, session *Session) {
	t.Helper()
	in, err := session.Preload(context.Background(), "approach")
	require.NoError(t, err)
	require.True(t, in.Succeeded)
}

type fakePackager struct {
	mu      sync.Mutex
	dir     string
	err     error
	created []packager.Artifact
}

func newFakePackager(t *testing.T) *fakePackager {
	t.Helper()
	return &fakePackager{dir: t.TempDir()}
}

func (p *fakePackager) PackageWorkspace(context.Context) (packager.Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return packager.Artifact{}, p.err
	}
	path := filepath.Join(p.dir, fmt.Sprintf("artifact-%d.zip", len(p.created)))
	if err := os.WriteFile(path, []byte("zip"), 0o600); err != nil {
		return packager.Artifact{}, err
	}
	artifact := packager.Artifact{Path: path, Checksum: "checksum", Size: 3}
	p.created = append(p.created, artifact)
	return artifact, nil
}

func (p *fakePackager) artifacts() []packager.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]packager.Artifact(nil), p.created...)
}

type fakeUploader struct {
	mu      sync.Mutex
	targets []remote.UploadTarget
}

func (u *fakeUploader) Upload(_ context.Context, target remote.UploadTarget, _ packager.Artifact) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.targets = append(u.targets, target)
	return nil
}

type fakeRecorder struct {
	mu         sync.Mutex
	err        error
	started    []ConversationRecord
	iterations []IterationRecord
	decisions  []DecisionRecord
	closed     []diffmetrics.Processed
}

func (r *fakeRecorder) ConversationStarted(_ context.Context, record ConversationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, record)
	return r.err
}

func (r *fakeRecorder) IterationRecorded(_ context.Context, record IterationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterations = append(r.iterations, record)
	return r.err
}

func (r *fakeRecorder) DecisionRecorded(_ context.Context, record DecisionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, record)
	return r.err
}

func (r *fakeRecorder) ConversationClosed(_ context.Context, _ string, processed diffmetrics.Processed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, processed)
	return r.err
}
