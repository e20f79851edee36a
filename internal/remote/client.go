// Package remote defines the contract with the remote code generation agent
// and the client-side policies wrapped around it.
package remote

import (
	"context"

	"github.com/taskassist/featuredev/internal/codegen"
)

// JobState is the lifecycle state of a code generation job.
type JobState string

const (
	// JobInProgress means the agent is still generating.
	JobInProgress JobState = "IN_PROGRESS"
	// JobComplete means the result archive is ready for export.
	JobComplete JobState = "COMPLETE"
	// JobFailed means the agent gave up on the job.
	JobFailed JobState = "FAILED"
)

// UploadRequest asks for a signed upload target for one artifact.
type UploadRequest struct {
	ConversationID string
	Checksum       string
	Size           int64
	ContentType    string
}

// UploadTarget is where the artifact must be sent and the id to reference it by.
type UploadTarget struct {
	URL      string
	UploadID string
	Headers  map[string]string
}

// StartRequest submits a code generation job.
type StartRequest struct {
	ConversationID string
	UploadID       string
	Task           string
	Message        string
	Intent         string
}

// Status is the reported state of a job. Remaining and Total are the agent's
// iteration counters when it reports them.
type Status struct {
	State     JobState
	Remaining *int
	Total     *int
	Reason    string
}

// Client is the remote agent. Implementations classify failures with
// policy.Transient or policy.Domain.
type Client interface {
	CreateConversation(ctx context.Context) (string, error)
	CreateUploadURL(ctx context.Context, req UploadRequest) (UploadTarget, error)
	StartCodeGeneration(ctx context.Context, req StartRequest) (string, error)
	GetCodeGenerationStatus(ctx context.Context, conversationID, jobID string) (Status, error)
	ExportResultArchive(ctx context.Context, conversationID string) (codegen.RawResult, error)
}

// IntentDevelopment is the only intent the orchestrator submits.
const IntentDevelopment = "DEV"
