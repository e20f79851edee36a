// Package diffmetrics tracks which generated files a reviewer accepted.
package diffmetrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/taskassist/featuredev/internal/events"
	"github.com/taskassist/featuredev/internal/telemetry/invariants"
)

// Processed is a point-in-time view of the aggregator's sets.
type Processed struct {
	Accepted  []string
	Generated []string
}

// Aggregator accumulates accepted and generated paths as sets. Accepting a
// path also marks it generated, so Accepted is always a subset of Generated.
type Aggregator struct {
	mu        sync.Mutex
	accepted  map[string]struct{}
	generated map[string]struct{}
	proposed  map[string]struct{}
	bus       events.Bus
	entityID  string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithAlerts publishes a SystemAlert on bus when a path is accepted that the
// agent never proposed.
func WithAlerts(bus events.Bus, conversationID string) Option {
	return func(a *Aggregator) {
		a.bus = bus
		a.entityID = strings.TrimSpace(conversationID)
	}
}

// New returns an empty aggregator.
func New(options ...Option) *Aggregator {
	a := &Aggregator{
		accepted:  make(map[string]struct{}),
		generated: make(map[string]struct{}),
		proposed:  make(map[string]struct{}),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// RecordGenerated marks paths the agent proposed. Blank paths are ignored.
func (a *Aggregator) RecordGenerated(paths ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		a.generated[path] = struct{}{}
		a.proposed[path] = struct{}{}
	}
}

// Record notes a review decision for path. Repeated calls are idempotent.
func (a *Aggregator) Record(path string, accepted bool) {
	a.RecordContext(context.Background(), path, accepted)
}

// RecordContext is Record with a context for invariant reporting.
func (a *Aggregator) RecordContext(ctx context.Context, path string, accepted bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}

	a.mu.Lock()
	a.generated[path] = struct{}{}
	_, wasProposed := a.proposed[path]
	if accepted {
		a.accepted[path] = struct{}{}
	}
	bus, entityID := a.bus, a.entityID
	a.mu.Unlock()

	if !accepted || wasProposed {
		return
	}
	invariants.CheckAcceptedSubsetOfGenerated(ctx, "diffmetrics.Record", []string{path})
	events.Emit(bus, events.Event{
		Type:       events.EventTypeSystemAlert,
		EntityType: events.EntityConversation,
		EntityID:   entityID,
		Severity:   events.SeverityWarn,
		Payload: events.AlertPayload{
			Source:  "diffmetrics",
			Message: "accepted file was not proposed by the agent: " + path,
		},
	})
}

// Accepted returns the sorted accepted paths.
func (a *Aggregator) Accepted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.accepted)
}

// Generated returns the sorted generated paths.
func (a *Aggregator) Generated() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.generated)
}

// Snapshot returns both sets under one lock.
func (a *Aggregator) Snapshot() Processed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Processed{
		Accepted:  sortedKeys(a.accepted),
		Generated: sortedKeys(a.generated),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
