package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubscribeReceivesOnlyItsType(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&warnRecorder{}))
	transitions := make(chan Event, 1)
	results := make(chan Event, 1)
	bus.Subscribe(EventTypeStateTransition, func(event Event) { transitions <- event })
	bus.Subscribe(EventTypeOperationResult, func(event Event) { results <- event })

	bus.Publish(Event{
		Type:       EventTypeStateTransition,
		EntityType: EntityTab,
		EntityID:   "tab-1",
		Payload:    StateTransitionPayload{From: "Init", To: "Codegen"},
	})
	if err := bus.Drain(withTimeout(t)); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got := receive(t, transitions)
	if payload, ok := got.Payload.(StateTransitionPayload); !ok || payload.To != "Codegen" {
		t.Fatalf("payload = %#v, want transition to Codegen", got.Payload)
	}
	if len(results) != 0 {
		t.Fatalf("operation result subscriber received %d events, want 0", len(results))
	}
}

func TestSubscribeFuncFiltersByConversation(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&warnRecorder{}))
	var mine, everything atomic.Int64
	bus.SubscribeFunc(ForEntity(EntityConversation, "conv-1"), func(Event) { mine.Add(1) })
	bus.SubscribeAll(func(Event) { everything.Add(1) })

	bus.Publish(Event{Type: EventTypeOperationResult, EntityType: EntityConversation, EntityID: "conv-1"})
	bus.Publish(Event{Type: EventTypeCodeGenerationMetric, EntityType: EntityConversation, EntityID: "conv-1"})
	bus.Publish(Event{Type: EventTypeOperationResult, EntityType: EntityConversation, EntityID: "conv-2"})
	bus.Publish(Event{Type: EventTypeStateTransition, EntityType: EntityTab, EntityID: "conv-1"})

	if err := bus.Drain(withTimeout(t)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if mine.Load() != 2 {
		t.Fatalf("conversation subscriber got %d events, want 2", mine.Load())
	}
	if everything.Load() != 4 {
		t.Fatalf("wildcard subscriber got %d events, want 4", everything.Load())
	}
}

func TestPublishDropsForFullQueueWithoutBlocking(t *testing.T) {
	t.Parallel()

	logger := &warnRecorder{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})
	bus.Subscribe(EventTypeOperationResult, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	event := Event{Type: EventTypeOperationResult, EntityType: EntityConversation, EntityID: "conv-42"}
	bus.Publish(event)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(event)
	begin := time.Now()
	bus.Publish(event)
	if elapsed := time.Since(begin); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s", elapsed)
	}
	close(unblock)

	if bus.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", bus.Dropped())
	}
	if !logger.saw("event dropped") {
		t.Fatalf("expected a drop warning, got %v", logger.messages())
	}
	if err := bus.Drain(withTimeout(t)); err != nil {
		t.Fatalf("drain after unblock: %v", err)
	}
}

func TestDrainHonoursContext(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&warnRecorder{}))
	unblock := make(chan struct{})
	defer close(unblock)
	bus.SubscribeAll(func(Event) { <-unblock })
	bus.Publish(Event{Type: EventTypeDiffMetrics})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Drain(ctx); err == nil {
		t.Fatal("drain should give up when the context expires")
	}
}

func TestPublishStampsTimestampAndSeverity(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&warnRecorder{}))
	ch := make(chan Event, 1)
	bus.Subscribe(EventTypeDiffMetrics, func(event Event) { ch <- event })

	bus.Publish(Event{
		Type:       " " + EventTypeDiffMetrics + " ",
		EntityType: EntityConversation,
		EntityID:   "conv-7",
		Payload:    DiffMetricsPayload{Accepted: 1, Generated: 2},
	})

	got := receive(t, ch)
	if got.Timestamp.IsZero() {
		t.Fatal("publish should stamp a timestamp")
	}
	if got.Severity != SeverityInfo {
		t.Fatalf("severity = %q, want %q", got.Severity, SeverityInfo)
	}
	if got.Type != EventTypeDiffMetrics {
		t.Fatalf("type = %q, want trimmed %q", got.Type, EventTypeDiffMetrics)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&warnRecorder{}))
	var received atomic.Int64
	bus.SubscribeAll(func(Event) { received.Add(1) })

	bus.Close()
	bus.Close()
	bus.Publish(Event{Type: EventTypeSystemAlert})
	bus.SubscribeAll(func(Event) { received.Add(1) })

	time.Sleep(30 * time.Millisecond)
	if received.Load() != 0 {
		t.Fatalf("received = %d after close, want 0", received.Load())
	}
}

func TestEmitToleratesNilBus(t *testing.T) {
	t.Parallel()

	Emit(nil, Event{Type: EventTypeSystemAlert})

	bus := New(WithLogger(&warnRecorder{}))
	ch := make(chan Event, 1)
	bus.Subscribe(EventTypeSystemAlert, func(event Event) { ch <- event })
	Emit(bus, Event{Type: EventTypeSystemAlert, Payload: AlertPayload{Source: "diffmetrics", Message: "hi"}})
	if got := receive(t, ch); got.Payload.(AlertPayload).Message != "hi" {
		t.Fatalf("payload = %#v", got.Payload)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000), WithLogger(&warnRecorder{}))
	const publishers = 20
	const perPublisher = 100

	var received atomic.Int64
	bus.SubscribeAll(func(Event) { received.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				bus.Publish(Event{
					Type:       EventTypeOperationResult,
					EntityType: EntityConversation,
					EntityID:   fmt.Sprintf("conv-%d", i),
				})
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeOperationResult, func(Event) {})
		}()
	}
	wg.Wait()

	if err := bus.Drain(withTimeout(t)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if received.Load() != publishers*perPublisher {
		t.Fatalf("received = %d, want %d", received.Load(), publishers*perPublisher)
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type warnRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (w *warnRecorder) Warn(msg any, keyvals ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, fmt.Sprint(msg))
}

func (w *warnRecorder) saw(msg string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func (w *warnRecorder) messages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.msgs...)
}
