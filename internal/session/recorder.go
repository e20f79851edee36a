package session

import (
	"context"
	"time"

	"github.com/taskassist/featuredev/internal/diffmetrics"
)

// Iteration stages reported to a Recorder.
const (
	StageSubmitted = "submitted"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// ConversationRecord describes a conversation created by Preload.
type ConversationRecord struct {
	TabID          string
	ConversationID string
	Approach       string
	RetryLimit     int
	StartedAt      time.Time
}

// IterationRecord describes one submission or its outcome.
type IterationRecord struct {
	ConversationID string
	Iteration      int
	Stage          string
	Task           string
	Message        string
	JobID          string
	Succeeded      bool
	Reason         string
	Remaining      int
	Total          int
	Files          int
	At             time.Time
}

// DecisionRecord is one reviewer verdict on a generated path.
type DecisionRecord struct {
	ConversationID string
	Path           string
	Accepted       bool
	At             time.Time
}

// Recorder persists conversation history. Errors are logged and never change
// the outcome of the operation that produced them.
type Recorder interface {
	ConversationStarted(ctx context.Context, record ConversationRecord) error
	IterationRecorded(ctx context.Context, record IterationRecord) error
	DecisionRecorded(ctx context.Context, record DecisionRecord) error
	ConversationClosed(ctx context.Context, conversationID string, processed diffmetrics.Processed) error
}

type nopRecorder struct{}

func (nopRecorder) ConversationStarted(context.Context, ConversationRecord) error { return nil }

func (nopRecorder) IterationRecorded(context.Context, IterationRecord) error { return nil }

func (nopRecorder) DecisionRecorded(context.Context, DecisionRecord) error { return nil }

func (nopRecorder) ConversationClosed(context.Context, string, diffmetrics.Processed) error {
	return nil
}
