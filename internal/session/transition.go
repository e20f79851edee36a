package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/telemetry/invariants"
)

const tracerName = "featuredev/session"

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseInit: {
		PhaseCodegen: {},
		PhaseClosed:  {},
	},
	PhaseCodegen: {
		PhaseCodegen: {},
		PhaseClosed:  {},
	},
}

func isAllowed(from, to Phase) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IllegalTransitionError is returned when an operation is not valid in the
// session's current phase.
type IllegalTransitionError struct {
	TabID string
	From  Phase
	To    Phase
	Op    policy.Operation
}

func (e *IllegalTransitionError) Error() string {
	return "illegal transition between states, restart the conversation"
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Unwrap exposes the classified form so policy.KindOf reports IllegalTransition.
func (e *IllegalTransitionError) Unwrap() error {
	return &policy.Error{
		Kind:   policy.KindIllegalTransition,
		Op:     e.Op,
		Reason: fmt.Sprintf("%s -> %s", e.From, e.To),
	}
}

func illegal(ctx context.Context, where, tabID string, from, to Phase, op policy.Operation) error {
	invariants.CheckStateTransitionLegal(ctx, where, tabID, from.String(), to.String(), false)
	return &IllegalTransitionError{TabID: tabID, From: from, To: to, Op: op}
}

// Transition dispatches action to the current state. The error is non-nil only
// for illegal transitions; every other failure is reported in the Interaction.
func Transition(ctx context.Context, state State, action Action) (StateInteraction, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.interact")
	defer span.End()

	switch current := state.(type) {
	case *CodeGenerationState:
		span.SetAttributes(
			attribute.String("tab_id", current.TabID()),
			attribute.String("phase", current.Phase().String()),
			attribute.Int("current_iteration", current.iteration),
			attribute.Int("remaining", current.remaining),
		)
		out := current.interact(ctx, action)
		span.SetAttributes(attribute.Bool("succeeded", out.Interaction.Succeeded))
		if out.Interaction.Succeeded {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, string(out.Interaction.Reason))
		}
		return out, nil
	default:
		from := PhaseInit
		tabID := ""
		if state != nil {
			from = state.Phase()
			tabID = state.TabID()
		}
		err := illegal(ctx, "session.transition", tabID, from, PhaseCodegen, policy.OpInteract)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StateInteraction{}, err
	}
}
