// Package session drives one code generation conversation through its states.
package session

import (
	"strings"

	"github.com/charmbracelet/log"

	"github.com/taskassist/featuredev/internal/cancel"
	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/diffmetrics"
	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/logging"
	"github.com/taskassist/featuredev/internal/packager"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
	"github.com/taskassist/featuredev/internal/upload"
)

// Phase discriminates the state variants.
type Phase string

const (
	// PhaseInit is a session whose conversation has not been created.
	PhaseInit Phase = "Init"
	// PhaseCodegen is a session that can submit and await code generation.
	PhaseCodegen Phase = "Codegen"
	// PhaseClosed is the terminal pseudo-phase of a closed session.
	PhaseClosed Phase = "Closed"
)

func (p Phase) String() string { return string(p) }

// State is one of *NotStartedState or *CodeGenerationState. A state's phase
// never changes; transitions replace the state.
type State interface {
	Phase() Phase
	Approach() string
	SetApproach(approach string)
	TabID() string
	Token() *cancel.TokenSource
	withToken(token *cancel.TokenSource) State
	sealed()
}

type baseState struct {
	approach string
	tabID    string
	token    *cancel.TokenSource
}

func (b *baseState) Approach() string { return b.approach }

func (b *baseState) SetApproach(approach string) { b.approach = approach }

func (b *baseState) TabID() string { return b.tabID }

func (b *baseState) Token() *cancel.TokenSource { return b.token }

func (b *baseState) sealed() {}

// NotStartedState is the state before preload. It accepts no interactions.
type NotStartedState struct {
	baseState
}

// NewNotStartedState returns the initial state of a tab.
func NewNotStartedState(tabID, approach string, token *cancel.TokenSource) *NotStartedState {
	return &NotStartedState{baseState: baseState{approach: approach, tabID: tabID, token: token}}
}

// Phase implements State.
func (*NotStartedState) Phase() Phase { return PhaseInit }

func (s *NotStartedState) withToken(token *cancel.TokenSource) State {
	next := *s
	next.token = token
	return &next
}

// StateConfig is built once per session and shared by every CODEGEN state.
type StateConfig struct {
	ConversationID string
	Repo           packager.Packager
	Service        remote.Client
}

// JobStatus is the orchestrator's view of the pending job.
type JobStatus string

const (
	JobNone       JobStatus = ""
	JobInProgress JobStatus = "InProgress"
	JobComplete   JobStatus = "Complete"
	JobFailed     JobStatus = "Failed"
)

// CodeGenerationState is the state that submits and awaits code generation.
// Its counters only change by replacing the state.
type CodeGenerationState struct {
	baseState
	config StateConfig
	rt     *runtime

	iteration int
	remaining int
	total     int

	// totalReported is set once the agent has reported its own ceiling.
	totalReported bool
	jobID         string
	status        JobStatus
	result        *codegen.Result
}

// NewCodeGenerationState returns a CODEGEN state with the given counters.
func NewCodeGenerationState(tabID, approach string, token *cancel.TokenSource, config StateConfig, iteration, remaining, total int) *CodeGenerationState {
	return &CodeGenerationState{
		baseState: baseState{approach: approach, tabID: tabID, token: token},
		config:    config,
		rt:        (&runtime{}).withDefaults(),
		iteration: iteration,
		remaining: remaining,
		total:     total,
	}
}

// Phase implements State.
func (*CodeGenerationState) Phase() Phase { return PhaseCodegen }

// Config returns the session's shared configuration.
func (s *CodeGenerationState) Config() StateConfig { return s.config }

// CurrentIteration is the iteration the next submission runs as, from 1.
func (s *CodeGenerationState) CurrentIteration() int { return s.iteration }

// Remaining is the number of submissions left.
func (s *CodeGenerationState) Remaining() int { return s.remaining }

// Total is the iteration ceiling of the conversation.
func (s *CodeGenerationState) Total() int { return s.total }

// JobID is the pending job, empty when none is in flight.
func (s *CodeGenerationState) JobID() string { return s.jobID }

// Status is the orchestrator's view of the last job.
func (s *CodeGenerationState) Status() JobStatus { return s.status }

// Result returns a copy of the last completed change set, or nil.
func (s *CodeGenerationState) Result() *codegen.Result {
	if s.result == nil {
		return nil
	}
	out := s.result.Clone()
	return &out
}

func (s *CodeGenerationState) clone() *CodeGenerationState {
	next := *s
	return &next
}

func (s *CodeGenerationState) withToken(token *cancel.TokenSource) State {
	next := s.clone()
	next.token = token
	return next
}

// runtime carries collaborators that are not part of the state's identity.
type runtime struct {
	uploader upload.Uploader
	cleanup  func(packager.Artifact) error
	poll     remote.PollOptions
	metrics  *diffmetrics.Aggregator
	bus      events.Bus
	logger   *log.Logger
}

func (r *runtime) withDefaults() *runtime {
	out := runtime{}
	if r != nil {
		out = *r
	}
	if out.uploader == nil {
		out.uploader = upload.NewHTTPUploader(nil)
	}
	if out.cleanup == nil {
		out.cleanup = upload.DeleteArtifact
	}
	if out.metrics == nil {
		out.metrics = diffmetrics.New()
	}
	out.logger = logging.OrDiscard(out.logger)
	return &out
}

// Action is one user request. Token overrides the state's token when set.
type Action struct {
	Task  string
	Msg   string
	Token *cancel.TokenSource
}

func (a Action) token(state State) *cancel.TokenSource {
	if a.Token != nil {
		return a.Token
	}
	return state.Token()
}

func (a Action) valid() bool {
	return strings.TrimSpace(a.Task) != "" && strings.TrimSpace(a.Msg) != ""
}

// Interaction is the user-visible outcome of a transition. Content nil means
// nothing to show; "" means an empty message.
type Interaction struct {
	Content   *string
	Succeeded bool
	Reason    policy.Kind
}

// StateInteraction pairs the next state with its interaction. A nil NextState
// is terminal: the caller must not continue the conversation.
type StateInteraction struct {
	NextState   State
	Interaction Interaction
}

func succeeded(content string) Interaction {
	return Interaction{Content: &content, Succeeded: true}
}

func failed(err error) Interaction {
	message := userMessage(err)
	return Interaction{Content: &message, Succeeded: false, Reason: policy.KindOf(err)}
}

func userMessage(err error) string {
	switch policy.KindOf(err) {
	case policy.KindCancelled:
		return "Code generation was cancelled."
	case policy.KindIterationExhausted:
		return "No code generation iterations remain for this conversation. Start a new conversation to continue."
	case policy.KindSizeExceeded:
		return "The project is too large to upload: " + policy.ReasonOf(err)
	case policy.KindRemoteFailure:
		return "The agent could not generate code: " + policy.ReasonOf(err)
	case policy.KindTransientRemote:
		return "The request failed but can be retried: " + policy.ReasonOf(err)
	default:
		return policy.ReasonOf(err)
	}
}
