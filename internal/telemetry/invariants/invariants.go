// Package invariants records breaches of orchestrator invariants as span events.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantMaxRetriesNotExceeded requires code generation attempts to stay within the iteration ceiling.
	InvariantMaxRetriesNotExceeded = "max_retries_not_exceeded"
	// InvariantStateTransitionLegal requires session transitions to follow the state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantAcceptedSubsetOfGenerated requires every accepted path to have been generated by the agent.
	InvariantAcceptedSubsetOfGenerated = "accepted_subset_of_generated"
	// InvariantIterationCountersConsistent requires iteration counters to move together.
	InvariantIterationCountersConsistent = "iteration_counters_consistent"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation event on the active span.
// Without an active span a short synthetic span carries the event.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("featuredev/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckMaxRetriesNotExceeded validates that attempt stays within maxAllowed.
func CheckMaxRetriesNotExceeded(ctx context.Context, whereDetected string, attempt, maxAllowed int) bool {
	if maxAllowed <= 0 || attempt <= maxAllowed {
		return true
	}
	InvariantViolation(ctx, InvariantMaxRetriesNotExceeded, SeverityError, ViolationDetails{
		WhatInvariant: "code generation attempts remain within the iteration ceiling",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("attempt=%d exceeded max_allowed=%d", attempt, maxAllowed),
		Additional: map[string]string{
			"attempt":     fmt.Sprintf("%d", attempt),
			"max_allowed": fmt.Sprintf("%d", maxAllowed),
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityID string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "session transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for session=%s from=%s to=%s", entityID, fromState, toState),
		Additional: map[string]string{
			"session":    strings.TrimSpace(entityID),
			"from_state": strings.TrimSpace(fromState),
			"to_state":   strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckAcceptedSubsetOfGenerated reports accepted paths the agent never generated.
func CheckAcceptedSubsetOfGenerated(ctx context.Context, whereDetected string, strayPaths []string) bool {
	if len(strayPaths) == 0 {
		return true
	}
	InvariantViolation(ctx, InvariantAcceptedSubsetOfGenerated, SeverityWarn, ViolationDetails{
		WhatInvariant: "accepted files are a subset of generated files",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("accepted without generation: %s", strings.Join(strayPaths, ", ")),
		Additional: map[string]string{
			"stray_paths": strings.Join(strayPaths, ","),
		},
	})
	return false
}

// CheckIterationCountersConsistent validates iteration+remaining bookkeeping
// after a submission: total is fixed and remaining never exceeds it.
func CheckIterationCountersConsistent(ctx context.Context, whereDetected string, remaining, total, previousTotal int) bool {
	if remaining >= 0 && remaining <= total && total == previousTotal {
		return true
	}
	InvariantViolation(ctx, InvariantIterationCountersConsistent, SeverityError, ViolationDetails{
		WhatInvariant: "remaining iterations stay within a fixed total",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("remaining=%d total=%d previous_total=%d", remaining, total, previousTotal),
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	default:
		return SeverityError
	}
}
