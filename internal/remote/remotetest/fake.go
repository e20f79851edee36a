// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"sync"

	"github.com/taskassist/featuredev/internal/codegen"
	"github.com/taskassist/featuredev/internal/policy"
	"github.com/taskassist/featuredev/internal/remote"
)

// Fake is a scripted remote.Client. Zero values produce sensible ids and an
// immediately complete job.
type Fake struct {
	mu sync.Mutex

	ConversationID string
	UploadURL      string
	UploadID       string
	JobID          string
	// Statuses are returned in order; the last one repeats.
	Statuses []remote.Status
	Raw      codegen.RawResult
	// Errors holds queued failures per operation, consumed one per call.
	Errors map[policy.Operation][]error
	// OnCall runs before every call, outside the lock.
	OnCall func(op policy.Operation)

	calls   []policy.Operation
	starts  []remote.StartRequest
	uploads []remote.UploadRequest
	polls   int
}

// CreateConversation implements remote.Client.
func (f *Fake) CreateConversation(context.Context) (string, error) {
	if err := f.enter(policy.OpCreateConversation); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return orDefault(f.ConversationID, "conversation-1"), nil
}

// CreateUploadURL implements remote.Client.
func (f *Fake) CreateUploadURL(_ context.Context, req remote.UploadRequest) (remote.UploadTarget, error) {
	if err := f.enter(policy.OpCreateUploadURL); err != nil {
		return remote.UploadTarget{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, req)
	return remote.UploadTarget{
		URL:      orDefault(f.UploadURL, "https://upload.invalid/artifact"),
		UploadID: orDefault(f.UploadID, "upload-1"),
	}, nil
}

// StartCodeGeneration implements remote.Client.
func (f *Fake) StartCodeGeneration(_ context.Context, req remote.StartRequest) (string, error) {
	if err := f.enter(policy.OpStartCodeGeneration); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	return orDefault(f.JobID, "job-1"), nil
}

// GetCodeGenerationStatus implements remote.Client.
func (f *Fake) GetCodeGenerationStatus(context.Context, string, string) (remote.Status, error) {
	if err := f.enter(policy.OpGetCodeGeneration); err != nil {
		return remote.Status{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.polls
	f.polls++
	if len(f.Statuses) == 0 {
		return remote.Status{State: remote.JobComplete}, nil
	}
	if index >= len(f.Statuses) {
		index = len(f.Statuses) - 1
	}
	return f.Statuses[index], nil
}

// ExportResultArchive implements remote.Client.
func (f *Fake) ExportResultArchive(context.Context, string) (codegen.RawResult, error) {
	if err := f.enter(policy.OpExportArchiveResult); err != nil {
		return codegen.RawResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Raw, nil
}

// Calls returns every operation invoked so far, in order.
func (f *Fake) Calls() []policy.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]policy.Operation(nil), f.calls...)
}

// Count returns how many times op was invoked.
func (f *Fake) Count(op policy.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call == op {
			n++
		}
	}
	return n
}

// Starts returns the submitted start requests.
func (f *Fake) Starts() []remote.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.StartRequest(nil), f.starts...)
}

// Uploads returns the requested upload targets.
func (f *Fake) Uploads() []remote.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.UploadRequest(nil), f.uploads...)
}

func (f *Fake) enter(op policy.Operation) error {
	if f.OnCall != nil {
		f.OnCall(op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	queued := f.Errors[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	f.Errors[op] = queued[1:]
	return err
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

var _ remote.Client = (*Fake)(nil)
