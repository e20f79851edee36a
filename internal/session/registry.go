package session

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/taskassist/featuredev/internal/policy"
)

// Registry holds the open sessions keyed by tab id.
type Registry struct {
	mu       sync.Mutex
	deps     Dependencies
	sessions map[string]*Session
}

// NewRegistry returns an empty registry whose sessions share deps.
func NewRegistry(deps Dependencies) *Registry {
	return &Registry{deps: deps, sessions: make(map[string]*Session)}
}

// Open returns the live session for tabID, creating one when the tab has none
// or its previous session is closed.
func (r *Registry) Open(tabID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tabID = strings.TrimSpace(tabID)
	if existing, ok := r.sessions[tabID]; ok && tabID != "" && !existing.Closed() {
		return existing, nil
	}
	session, err := New(tabID, r.deps)
	if err != nil {
		return nil, err
	}
	r.sessions[session.TabID()] = session
	return session, nil
}

// Get returns the session for tabID.
func (r *Registry) Get(tabID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[strings.TrimSpace(tabID)]
	return session, ok
}

// Tabs returns the registered tab ids in sorted order.
func (r *Registry) Tabs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for tabID := range r.sessions {
		out = append(out, tabID)
	}
	sort.Strings(out)
	return out
}

// Close closes and forgets the session for tabID. Unknown tabs are a no-op.
func (r *Registry) Close(tabID string) error {
	r.mu.Lock()
	session, ok := r.sessions[strings.TrimSpace(tabID)]
	delete(r.sessions, strings.TrimSpace(tabID))
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return session.Close()
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		errs = append(errs, session.Close())
	}
	return errors.Join(errs...)
}

// RetryLimit returns the remaining code generation iterations for tabID, or
// policy.DefaultRetryLimit when the tab has no session in CODEGEN.
func (r *Registry) RetryLimit(tabID string) int {
	session, ok := r.Get(tabID)
	if !ok || session.Closed() {
		return policy.DefaultRetryLimit
	}
	cg, ok := session.State().(*CodeGenerationState)
	if !ok {
		return policy.DefaultRetryLimit
	}
	return cg.remaining
}
