package session

import (
	"context"
	"strings"

	"github.com/taskassist/featuredev/internal/cancel"
	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/packager"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
	"github.com/taskassist/featuredev/internal/telemetry/invariants"
	"github.com/taskassist/featuredev/internal/upload"
)

// interact submits one code generation request. Counters only move once the
// agent has accepted the job and the token is still unfired.
func (s *CodeGenerationState) interact(ctx context.Context, action Action) StateInteraction {
	logger := s.rt.logger.With("conversation_id", s.config.ConversationID, "iteration", s.iteration)

	if s.remaining <= 0 {
		logger.Warn("code generation refused, no iterations remain", "total", s.total)
		err := &policy.Error{Kind: policy.KindIterationExhausted, Op: policy.OpInteract}
		return StateInteraction{NextState: nil, Interaction: failed(err)}
	}
	if !action.valid() {
		err := &policy.Error{Kind: policy.KindInvalidAction, Op: policy.OpInteract, Reason: "a task and a message are required"}
		return StateInteraction{NextState: s, Interaction: failed(err)}
	}

	token := action.token(s)
	next, err := s.submit(ctx, token, action)
	if err != nil {
		logger.Warn("code generation submission failed", "kind", policy.KindOf(err), "error", err)
		return s.failure(err)
	}

	invariants.CheckIterationCountersConsistent(ctx, "session.codegen.interact", next.remaining, next.total, s.total)
	invariants.CheckMaxRetriesNotExceeded(ctx, "session.codegen.interact", next.iteration-1, next.total)
	s.emitMetric(policy.MetricStartCodeGeneration, policy.ResultSuccess, next)
	logger.Info("code generation started", "job_id", next.jobID, "remaining", next.remaining)

	return StateInteraction{NextState: next, Interaction: succeeded("")}
}

func (s *CodeGenerationState) submit(ctx context.Context, token *cancel.TokenSource, action Action) (*CodeGenerationState, error) {
	if err := token.Check(policy.OpInteract); err != nil {
		return nil, err
	}
	config, err := s.resolveConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := token.Check(policy.OpCreateConversation); err != nil {
		return nil, err
	}

	artifact, err := config.Repo.PackageWorkspace(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cleanupErr := s.rt.cleanup(artifact); cleanupErr != nil {
			s.rt.logger.Warn("artifact cleanup failed", "path", artifact.Path, "error", cleanupErr)
		}
	}()
	if err := token.Check(policy.OpPackageWorkspace); err != nil {
		return nil, err
	}

	uploadID, err := s.uploadArtifact(ctx, token, config, artifact)
	if err != nil {
		return nil, err
	}

	jobID, err := config.Service.StartCodeGeneration(ctx, remote.StartRequest{
		ConversationID: config.ConversationID,
		UploadID:       uploadID,
		Task:           action.Task,
		Message:        action.Msg,
		Intent:         remote.IntentDevelopment,
	})
	if err != nil {
		return nil, err
	}
	if err := token.Check(policy.OpStartCodeGeneration); err != nil {
		return nil, err
	}

	next := s.clone()
	next.config = config
	next.iteration++
	next.remaining--
	next.jobID = jobID
	next.status = JobInProgress
	next.result = nil
	return next, nil
}

func (s *CodeGenerationState) uploadArtifact(ctx context.Context, token *cancel.TokenSource, config StateConfig, artifact packager.Artifact) (string, error) {
	target, err := config.Service.CreateUploadURL(ctx, remote.UploadRequest{
		ConversationID: config.ConversationID,
		Checksum:       artifact.Checksum,
		Size:           artifact.Size,
		ContentType:    upload.ContentTypeZip,
	})
	if err != nil {
		return "", err
	}
	if err := token.Check(policy.OpCreateUploadURL); err != nil {
		return "", err
	}
	if err := s.rt.uploader.Upload(ctx, target, artifact); err != nil {
		return "", err
	}
	if err := token.Check(policy.OpUploadArtifact); err != nil {
		return "", err
	}
	return target.UploadID, nil
}

func (s *CodeGenerationState) resolveConfig(ctx context.Context) (StateConfig, error) {
	config := s.config
	if strings.TrimSpace(config.ConversationID) != "" {
		return config, nil
	}
	conversationID, err := config.Service.CreateConversation(ctx)
	if err != nil {
		return StateConfig{}, err
	}
	config.ConversationID = conversationID
	return config, nil
}

// await polls the pending job to a terminal state and builds its change set.
func (s *CodeGenerationState) await(ctx context.Context, token *cancel.TokenSource) StateInteraction {
	logger := s.rt.logger.With("conversation_id", s.config.ConversationID, "job_id", s.jobID)

	if s.jobID == "" {
		err := &policy.Error{Kind: policy.KindInvalidAction, Op: policy.OpAwaitCodeGeneration, Reason: "no code generation is in progress"}
		return StateInteraction{NextState: s, Interaction: failed(err)}
	}

	poll := s.rt.poll
	poll.Token = token
	status, err := remote.WaitForCompletion(ctx, s.config.Service, s.config.ConversationID, s.jobID, poll)
	if err != nil {
		logger.Warn("code generation did not complete", "kind", policy.KindOf(err), "error", err)
		if policy.KindOf(err) == policy.KindRemoteFailure {
			next := s.clone()
			next.jobID = ""
			next.status = JobFailed
			s.emitMetric(policy.MetricEndCodeGeneration, policy.ResultLLMFailure, next)
			return StateInteraction{NextState: next, Interaction: failed(err)}
		}
		return s.failure(err)
	}

	raw, err := s.config.Service.ExportResultArchive(ctx, s.config.ConversationID)
	if err != nil {
		return s.failure(err)
	}
	if err := token.Check(policy.OpExportArchiveResult); err != nil {
		return s.failure(err)
	}

	next := s.clone()
	next.reconcileCounters(status)
	result := codegen.Build(raw).WithIterationCounts(intPtr(next.remaining), intPtr(next.total))
	s.rt.metrics.RecordGenerated(result.Paths()...)

	next.jobID = ""
	next.status = JobComplete
	next.result = &result
	s.emitMetric(policy.MetricEndCodeGeneration, policy.ResultSuccess, next)
	logger.Info("code generation complete",
		"new_files", len(result.NewFiles),
		"deleted_files", len(result.DeletedFiles),
		"references", len(result.References))

	return StateInteraction{NextState: next, Interaction: succeeded(result.Summary())}
}

// reconcileCounters adopts the agent's view of the iteration budget. The
// first reported total becomes the ceiling for the rest of the conversation;
// a reported remaining count is kept within [0, total].
func (s *CodeGenerationState) reconcileCounters(status remote.Status) {
	if status.Total != nil && *status.Total > 0 && !s.totalReported {
		s.total = *status.Total
		s.totalReported = true
	}
	if status.Remaining != nil {
		s.remaining = *status.Remaining
	}
	s.remaining = max(0, min(s.remaining, s.total))
}

// failure maps a failed leg onto the next state: remote domain errors end the
// conversation, everything else leaves the state unchanged.
func (s *CodeGenerationState) failure(err error) StateInteraction {
	if policy.KindOf(err) == policy.KindDomainRemote {
		return StateInteraction{NextState: nil, Interaction: failed(err)}
	}
	return StateInteraction{NextState: s, Interaction: failed(err)}
}

func (s *CodeGenerationState) emitMetric(name policy.MetricDataOperationName, result policy.MetricDataResult, state *CodeGenerationState) {
	events.Emit(s.rt.bus, events.Event{
		Type:       events.EventTypeCodeGenerationMetric,
		EntityType: events.EntityConversation,
		EntityID:   state.config.ConversationID,
		Severity:   metricSeverity(result),
		Payload: events.CodeGenerationMetricPayload{
			ConversationID: state.config.ConversationID,
			Name:           name.String(),
			Result:         result.String(),
			Iteration:      state.iteration,
		},
	})
}

func metricSeverity(result policy.MetricDataResult) string {
	if result == policy.ResultSuccess {
		return events.SeverityInfo
	}
	return events.SeverityError
}

func intPtr(v int) *int { return &v }
