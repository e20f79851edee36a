// Package cancel provides the cooperative cancellation handle shared by a
// session and every action it runs.
package cancel

import (
	"context"
	"sync"

	"github.com/taskassist/featuredev/internal/policy"
)

// TokenSource is a cancel signal that outlives individual calls. Firing it does
// not abort in-flight remote calls; callers check it at each suspension point.
type TokenSource struct {
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	canceled bool
}

// NewTokenSource returns an unfired token.
func NewTokenSource() *TokenSource {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &TokenSource{ctx: ctx, cancel: cancelFn}
}

// Cancel fires the token. Repeated calls are no-ops.
func (s *TokenSource) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	s.cancel()
}

// IsCancellationRequested reports whether Cancel has been called.
func (s *TokenSource) IsCancellationRequested() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Done is closed once the token fires. A nil token never fires.
func (s *TokenSource) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ctx.Done()
}

// Check returns a cancellation error tagged with op when the token has fired.
func (s *TokenSource) Check(op policy.Operation) error {
	if s.IsCancellationRequested() {
		return policy.Cancelled(op)
	}
	return nil
}

// Bind returns a child of ctx that is also cancelled when the token fires.
// Used for waits the orchestrator owns, such as poll sleeps.
func (s *TokenSource) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	child, cancelFn := context.WithCancel(ctx)
	if s == nil {
		return child, cancelFn
	}
	stop := context.AfterFunc(s.ctx, cancelFn)
	return child, func() {
		stop()
		cancelFn()
	}
}
