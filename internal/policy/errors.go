package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	KindNone               Kind = ""
	KindIllegalTransition  Kind = "IllegalTransition"
	KindTransientRemote    Kind = "TransientRemote"
	KindDomainRemote       Kind = "DomainRemote"
	KindSizeExceeded       Kind = "SizeExceeded"
	KindWorkspaceSelection Kind = "WorkspaceSelection"
	KindRemoteFailure      Kind = "RemoteFailure"
	KindCancelled          Kind = "Cancelled"
	KindIterationExhausted Kind = "IterationExhausted"
	KindInvalidAction      Kind = "InvalidAction"
)

// Error is a classified failure of one operation.
type Error struct {
	Kind   Kind
	Op     Operation
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		b.WriteString(": ")
		b.WriteString(reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindCancelled}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Transient wraps a retryable network or timeout failure.
func Transient(op Operation, err error) error {
	return &Error{Kind: KindTransientRemote, Op: op, Err: err}
}

// Domain wraps a non-retryable remote rejection such as an exceeded quota.
func Domain(op Operation, reason string, err error) error {
	return &Error{Kind: KindDomainRemote, Op: op, Reason: reason, Err: err}
}

// SizeExceeded reports a packaged workspace over the configured ceiling.
func SizeExceeded(size, limit int64) error {
	return &Error{
		Kind:   KindSizeExceeded,
		Op:     OpPackageWorkspace,
		Reason: fmt.Sprintf("workspace is %d bytes, limit is %d bytes", size, limit),
	}
}

// WorkspaceSelection reports a source-folder selection failure.
func WorkspaceSelection(reason ModifySourceFolderErrorReason) error {
	return &Error{Kind: KindWorkspaceSelection, Op: OpResolveSourceFolder, Reason: reason.String()}
}

// RemoteFailure reports a job the remote agent finished in a failed state.
func RemoteFailure(op Operation, reason string) error {
	return &Error{Kind: KindRemoteFailure, Op: op, Reason: reason}
}

// Cancelled reports a user-initiated abort observed at op.
func Cancelled(op Operation) error {
	return &Error{Kind: KindCancelled, Op: op, Reason: "cancelled by user"}
}

// KindOf extracts the classification of err. Unclassified errors count as transient,
// context cancellation as cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransientRemote
}

// IsRetryable reports whether the caller may retry the failed call.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientRemote
}

// ReasonOf returns the human readable reason of a classified error.
func ReasonOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) && strings.TrimSpace(classified.Reason) != "" {
		return classified.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// ResultFor maps an operation outcome to its telemetry result tag.
func ResultFor(err error) MetricDataResult {
	switch KindOf(err) {
	case KindNone:
		return ResultSuccess
	case KindTransientRemote:
		return ResultFault
	case KindRemoteFailure:
		return ResultLLMFailure
	default:
		return ResultError
	}
}
