// Package events is the in-process telemetry sink. Session and remote client
// publish lifecycle events here; metrics and log subscribers consume them.
package events

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeStateTransition identifies session state transition events.
	EventTypeStateTransition = "StateTransition"
	// EventTypeOperationResult identifies the outcome of one remote agent call.
	EventTypeOperationResult = "OperationResult"
	// EventTypeCodeGenerationMetric identifies start/end code generation metrics.
	EventTypeCodeGenerationMetric = "CodeGenerationMetric"
	// EventTypeDiffMetrics identifies accepted/generated file counts at conversation end.
	EventTypeDiffMetrics = "DiffMetrics"
	// EventTypeSystemAlert identifies high-severity alerts such as invariant breaches.
	EventTypeSystemAlert = "SystemAlert"
	// EventTypeHealthCheck identifies one doctor repair pass.
	EventTypeHealthCheck = "HealthCheck"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

const (
	// EntityConversation tags events scoped to one remote conversation.
	EntityConversation = "conversation"
	// EntityTab tags events scoped to one session tab.
	EntityTab = "tab"
	// EntityHealth tags events produced by the doctor.
	EntityHealth = "health"
)

// Event is one telemetry record. EntityType/EntityID scope it to a tab, a
// conversation or the doctor.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// OfType matches events of one type.
func OfType(eventType string) Filter {
	eventType = strings.TrimSpace(eventType)
	return func(event Event) bool { return event.Type == eventType }
}

// ForEntity matches events scoped to one entity, e.g. a single conversation.
func ForEntity(entityType, entityID string) Filter {
	return func(event Event) bool {
		return event.EntityType == entityType && event.EntityID == entityID
	}
}

// Logger receives a warning for every dropped event.
type Logger interface {
	Warn(msg any, keyvals ...any)
}

// Bus is what publishers and subscribers depend on.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize sets how many undelivered events each subscriber may queue
// before further events to it are dropped.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger sets where dropped events are reported.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus fans events out to subscribers, each served by its own
// goroutine. Publish never blocks: a subscriber whose queue is full loses the
// event and the loss is counted.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     Logger
	subs       []*subscriber
	closed     bool

	nextID  atomic.Uint64
	pending atomic.Int64
	dropped atomic.Uint64
}

type subscriber struct {
	id     uint64
	accept Filter
	queue  chan Event
}

// New creates a bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	if strings.TrimSpace(eventType) == "" {
		return
	}
	b.SubscribeFunc(OfType(eventType), handler)
}

// SubscribeAll registers handler for every event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	b.SubscribeFunc(nil, handler)
}

// SubscribeFunc registers handler for the events accepted by filter. A nil
// filter accepts everything.
func (b *InMemoryBus) SubscribeFunc(filter Filter, handler Handler) {
	if handler == nil {
		return
	}
	sub := &subscriber{
		id:     b.nextID.Add(1),
		accept: filter,
		queue:  make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.serve(sub, handler)
}

// Publish stamps and delivers event. Publishing after Close is a no-op.
func (b *InMemoryBus) Publish(event Event) {
	event.Type = strings.TrimSpace(event.Type)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.accept != nil && !sub.accept(event) {
			continue
		}
		b.pending.Add(1)
		select {
		case sub.queue <- event:
		default:
			b.pending.Add(-1)
			b.dropped.Add(1)
			b.logger.Warn("event dropped",
				"subscriber", sub.id,
				"type", event.Type,
				"entity_type", event.EntityType,
				"entity_id", event.EntityID,
			)
		}
	}
}

// Dropped reports how many deliveries were lost to full queues.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Drain waits until every queued event has been handled or ctx is done.
// Callers use it before reading state that subscribers maintain, such as
// metrics at the end of a run.
func (b *InMemoryBus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting events. Subscribers finish what is already queued.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
}

func (b *InMemoryBus) serve(sub *subscriber, handler Handler) {
	for event := range sub.queue {
		handler(event)
		b.pending.Add(-1)
	}
}
