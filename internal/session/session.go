package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskassist/featuredev/internal/cancel"
	"github.com/taskassist/featuredev/internal/diffmetrics"
	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/logging"
	"github.com/taskassist/featuredev/internal/packager"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
	"github.com/taskassist/featuredev/internal/telemetry/invariants"
	"github.com/taskassist/featuredev/internal/upload"
)

// ErrInteractionInFlight is returned when a second call reaches a session
// that is still running one.
var ErrInteractionInFlight = errors.New("another interaction is already in progress for this session")

// Dependencies are the collaborators shared by every state of a session.
type Dependencies struct {
	Service  remote.Client
	Repo     packager.Packager
	Uploader upload.Uploader
	Bus      events.Bus
	Recorder Recorder
	Logger   *log.Logger
	// RetryLimit is the number of code generation iterations per conversation.
	RetryLimit     int
	Poll           remote.PollOptions
	PreloadRetries int
	PreloadBackoff time.Duration
}

func (d Dependencies) validate() error {
	if d.Service == nil {
		return errors.New("remote service is required")
	}
	if d.Repo == nil {
		return errors.New("workspace packager is required")
	}
	return nil
}

// TransitionRecord stores one state replacement for local history.
type TransitionRecord struct {
	From      Phase
	To        Phase
	Op        policy.Operation
	Succeeded bool
	Reason    policy.Kind
	Iteration int
	Remaining int
	Timestamp time.Time
}

// Session is one conversation bound to a tab. Calls must not overlap; an
// overlapping call fails with ErrInteractionInFlight.
type Session struct {
	mu sync.Mutex

	tabID    string
	deps     Dependencies
	token    *cancel.TokenSource
	metrics  *diffmetrics.Aggregator
	state    State
	logger   *log.Logger
	history  []TransitionRecord
	closed   bool
	terminal bool
	busy     atomic.Bool
	now      func() time.Time
}

// New returns a session in the NotStarted state. An empty tabID gets a fresh id.
func New(tabID string, deps Dependencies) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		tabID = uuid.NewString()
	}
	if deps.RetryLimit <= 0 {
		deps.RetryLimit = policy.CodeGenerationRetryLimit
	}
	if deps.Uploader == nil {
		deps.Uploader = upload.NewHTTPUploader(nil)
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Poll.MaxTransientErrors == 0 {
		deps.Poll.MaxTransientErrors = deps.RetryLimit
	}

	token := cancel.NewTokenSource()
	return &Session{
		tabID:   tabID,
		deps:    deps,
		token:   token,
		metrics: diffmetrics.New(),
		state:   NewNotStartedState(tabID, "", token),
		logger:  logging.OrDiscard(deps.Logger).With("tab_id", tabID),
		now:     time.Now,
	}, nil
}

// TabID returns the session's stable tab id.
func (s *Session) TabID() string { return s.tabID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the remote conversation id, empty before preload.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cg, ok := s.state.(*CodeGenerationState); ok {
		return cg.config.ConversationID
	}
	return ""
}

// Closed reports whether the session can no longer be used.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.terminal
}

// Preload creates the remote conversation and moves the session to CODEGEN.
// It succeeds at most once per session.
func (s *Session) Preload(ctx context.Context, msg string) (Interaction, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Interaction{}, ErrInteractionInFlight
	}
	defer s.busy.Store(false)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.preload")
	defer span.End()
	span.SetAttributes(attribute.String("tab_id", s.tabID))

	s.mu.Lock()
	current, token := s.state, s.token
	unusable := s.closed || s.terminal
	s.mu.Unlock()

	if _, notStarted := current.(*NotStartedState); unusable || !notStarted {
		from := current.Phase()
		if unusable {
			from = PhaseClosed
		}
		err := illegal(ctx, "session.preload", s.tabID, from, PhaseCodegen, policy.OpPreloadConversation)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Interaction{}, err
	}

	conversationID, err := remote.Retry(ctx, remote.RetryOptions{
		Retries: s.deps.PreloadRetries,
		Backoff: s.deps.PreloadBackoff,
		Token:   token,
		Op:      policy.OpCreateConversation,
	}, s.deps.Service.CreateConversation)
	if err != nil {
		s.logger.Warn("conversation could not be created", "kind", policy.KindOf(err), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return failed(err), nil
	}

	logger := s.logger.With("conversation_id", conversationID)
	metrics := diffmetrics.New(diffmetrics.WithAlerts(s.deps.Bus, conversationID))
	next := NewCodeGenerationState(s.tabID, msg, token, StateConfig{
		ConversationID: conversationID,
		Repo:           s.deps.Repo,
		Service:        s.deps.Service,
	}, 1, s.deps.RetryLimit, s.deps.RetryLimit)
	next.rt = (&runtime{
		uploader: s.deps.Uploader,
		poll:     s.deps.Poll,
		metrics:  metrics,
		bus:      s.deps.Bus,
		logger:   logger,
	}).withDefaults()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		err := illegal(ctx, "session.preload", s.tabID, PhaseClosed, PhaseCodegen, policy.OpPreloadConversation)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Interaction{}, err
	}
	s.logger = logger
	s.metrics = metrics
	s.replaceLocked(current, next, policy.OpPreloadConversation, Interaction{Succeeded: true})
	s.mu.Unlock()

	span.SetAttributes(attribute.String("conversation_id", conversationID))
	span.SetStatus(codes.Ok, "")
	logger.Info("conversation started", "retry_limit", s.deps.RetryLimit)

	s.record(func(r Recorder) error {
		return r.ConversationStarted(ctx, ConversationRecord{
			TabID:          s.tabID,
			ConversationID: conversationID,
			Approach:       msg,
			RetryLimit:     s.deps.RetryLimit,
			StartedAt:      s.now().UTC(),
		})
	})
	return Interaction{Succeeded: true}, nil
}

// Send submits a code generation request for task and msg.
func (s *Session) Send(ctx context.Context, task, msg string) (Interaction, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Interaction{}, ErrInteractionInFlight
	}
	defer s.busy.Store(false)

	current, token, err := s.usable(ctx, "session.send", policy.OpInteract)
	if err != nil {
		return Interaction{}, err
	}

	out, err := Transition(ctx, current, Action{Task: task, Msg: msg, Token: token})
	if err != nil {
		return Interaction{}, err
	}
	s.apply(current, out, policy.OpInteract)

	record := s.iterationRecord(current, out, StageSubmitted)
	record.Task, record.Message = task, msg
	s.record(func(r Recorder) error { return r.IterationRecorded(ctx, record) })
	return out.Interaction, nil
}

// AwaitResult waits for the pending job and returns its change-set summary.
func (s *Session) AwaitResult(ctx context.Context) (Interaction, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Interaction{}, ErrInteractionInFlight
	}
	defer s.busy.Store(false)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.await")
	defer span.End()
	span.SetAttributes(attribute.String("tab_id", s.tabID))

	current, token, err := s.usable(ctx, "session.await", policy.OpAwaitCodeGeneration)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Interaction{}, err
	}
	cg, ok := current.(*CodeGenerationState)
	if !ok {
		err := illegal(ctx, "session.await", s.tabID, current.Phase(), PhaseCodegen, policy.OpAwaitCodeGeneration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Interaction{}, err
	}
	span.SetAttributes(attribute.String("job_id", cg.jobID))

	out := cg.await(ctx, token)
	s.apply(current, out, policy.OpAwaitCodeGeneration)
	if out.Interaction.Succeeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(out.Interaction.Reason))
	}

	stage := StageCompleted
	if !out.Interaction.Succeeded {
		stage = StageFailed
	}
	record := s.iterationRecord(current, out, stage)
	record.JobID = cg.jobID
	if next, ok := out.NextState.(*CodeGenerationState); ok && next.result != nil {
		record.Files = len(next.result.Paths())
	}
	s.record(func(r Recorder) error { return r.IterationRecorded(ctx, record) })
	return out.Interaction, nil
}

// Cancel fires the session token. The in-flight call, if any, stops at its
// next check and leaves the state unchanged.
func (s *Session) Cancel() {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	token.Cancel()
}

// ResetCancellation gives the session a fresh token after a cancelled call.
// The current state is replaced by one bound to the new token, so actions
// without their own token no longer see the old cancellation.
func (s *Session) ResetCancellation() error {
	if s.busy.Load() {
		return ErrInteractionInFlight
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &IllegalTransitionError{TabID: s.tabID, From: PhaseClosed, To: PhaseCodegen, Op: policy.OpInteract}
	}
	if s.token.IsCancellationRequested() {
		s.token = cancel.NewTokenSource()
		s.state = s.state.withToken(s.token)
	}
	return nil
}

// Close fires the token, publishes the conversation's diff metrics and moves
// the session to Closed. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.token.Cancel()
	current := s.state
	conversationID := ""
	if cg, ok := current.(*CodeGenerationState); ok {
		conversationID = cg.config.ConversationID
	}
	s.appendHistoryLocked(current, PhaseClosed, policy.OpCloseConversation, Interaction{Succeeded: true})
	processed := s.metrics.Snapshot()
	logger := s.logger
	s.mu.Unlock()

	s.emitTransition(current, PhaseClosed, conversationID)
	if conversationID == "" {
		return nil
	}

	events.Emit(s.deps.Bus, events.Event{
		Type:       events.EventTypeDiffMetrics,
		EntityType: events.EntityConversation,
		EntityID:   conversationID,
		Severity:   events.SeverityInfo,
		Payload: events.DiffMetricsPayload{
			ConversationID: conversationID,
			Accepted:       len(processed.Accepted),
			Generated:      len(processed.Generated),
		},
	})
	logger.Info("conversation closed",
		"accepted", len(processed.Accepted),
		"generated", len(processed.Generated))

	ctx := context.Background()
	s.record(func(r Recorder) error { return r.ConversationClosed(ctx, conversationID, processed) })
	return nil
}

// RecordReview records the reviewer's verdict on one generated path.
func (s *Session) RecordReview(ctx context.Context, path string, accepted bool) {
	s.mu.Lock()
	metrics := s.metrics
	conversationID := ""
	if cg, ok := s.state.(*CodeGenerationState); ok {
		conversationID = cg.config.ConversationID
	}
	s.mu.Unlock()

	metrics.RecordContext(ctx, path, accepted)
	if conversationID == "" {
		return
	}
	s.record(func(r Recorder) error {
		return r.DecisionRecorded(ctx, DecisionRecord{
			ConversationID: conversationID,
			Path:           path,
			Accepted:       accepted,
			At:             s.now().UTC(),
		})
	})
}

// DiffMetrics returns the accepted and generated paths recorded so far.
func (s *Session) DiffMetrics() diffmetrics.Processed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.Snapshot()
}

// History returns the transitions captured by this session.
func (s *Session) History() []TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransitionRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) usable(ctx context.Context, where string, op policy.Operation) (State, *cancel.TokenSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminal {
		return nil, nil, illegal(ctx, where, s.tabID, PhaseClosed, PhaseCodegen, op)
	}
	return s.state, s.token, nil
}

func (s *Session) apply(current State, out StateInteraction, op policy.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if out.NextState == nil {
		s.terminal = true
		s.appendHistoryLocked(current, PhaseClosed, op, out.Interaction)
		s.logger.Warn("conversation ended", "reason", out.Interaction.Reason)
		s.emitTransition(current, PhaseClosed, conversationOf(current))
		return
	}
	s.replaceLocked(current, out.NextState, op, out.Interaction)
}

func (s *Session) replaceLocked(current, next State, op policy.Operation, interaction Interaction) {
	s.state = next
	s.appendHistoryLocked(current, next.Phase(), op, interaction)
	if next != current {
		s.emitTransitionState(current, next)
	}
}

func (s *Session) appendHistoryLocked(current State, to Phase, op policy.Operation, interaction Interaction) {
	invariants.CheckStateTransitionLegal(context.Background(), "session.history", s.tabID,
		current.Phase().String(), to.String(), isAllowed(current.Phase(), to))
	record := TransitionRecord{
		From:      current.Phase(),
		To:        to,
		Op:        op,
		Succeeded: interaction.Succeeded,
		Reason:    interaction.Reason,
		Timestamp: s.now().UTC(),
	}
	if cg, ok := s.state.(*CodeGenerationState); ok && to != PhaseClosed {
		record.Iteration = cg.iteration
		record.Remaining = cg.remaining
	}
	s.history = append(s.history, record)
}

func (s *Session) emitTransitionState(current, next State) {
	payload := events.StateTransitionPayload{
		TabID: s.tabID,
		From:  current.Phase().String(),
		To:    next.Phase().String(),
	}
	if cg, ok := next.(*CodeGenerationState); ok {
		payload.ConversationID = cg.config.ConversationID
		payload.CurrentIteration = cg.iteration
		payload.Remaining = cg.remaining
		payload.Total = cg.total
	}
	events.Emit(s.deps.Bus, events.Event{
		Type:       events.EventTypeStateTransition,
		EntityType: events.EntityTab,
		EntityID:   s.tabID,
		Severity:   events.SeverityInfo,
		Payload:    payload,
	})
}

func (s *Session) emitTransition(current State, to Phase, conversationID string) {
	events.Emit(s.deps.Bus, events.Event{
		Type:       events.EventTypeStateTransition,
		EntityType: events.EntityTab,
		EntityID:   s.tabID,
		Severity:   events.SeverityInfo,
		Payload: events.StateTransitionPayload{
			TabID:          s.tabID,
			ConversationID: conversationID,
			From:           current.Phase().String(),
			To:             to.String(),
		},
	})
}

func (s *Session) iterationRecord(current State, out StateInteraction, stage string) IterationRecord {
	record := IterationRecord{
		ConversationID: conversationOf(current),
		Stage:          stage,
		Succeeded:      out.Interaction.Succeeded,
		Reason:         string(out.Interaction.Reason),
		At:             s.now().UTC(),
	}
	if cg, ok := current.(*CodeGenerationState); ok {
		record.Iteration = cg.iteration
		record.Remaining = cg.remaining
		record.Total = cg.total
	}
	if next, ok := out.NextState.(*CodeGenerationState); ok {
		record.ConversationID = next.config.ConversationID
		record.JobID = next.jobID
		record.Remaining = next.remaining
	}
	return record
}

func (s *Session) record(write func(Recorder) error) {
	if err := write(s.deps.Recorder); err != nil {
		s.mu.Lock()
		logger := s.logger
		s.mu.Unlock()
		logger.Warn("history record failed", "error", err)
	}
}

func conversationOf(state State) string {
	if cg, ok := state.(*CodeGenerationState); ok {
		return cg.config.ConversationID
	}
	return ""
}
