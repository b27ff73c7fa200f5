package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/SiteForge/internal/adapter/memory"
	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/port/messagequeue"
)

// mockBroadcaster records broadcast events.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, projectID, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, projectID+"/"+eventType)
}

func (m *mockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// eventRecorder collects events delivered to a bridge subscription.
type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
	notify chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 64)}
}

func (r *eventRecorder) handle(_ context.Context, ev event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// waitFor blocks until fn holds over the recorded events.
func (r *eventRecorder) waitFor(t *testing.T, fn func([]event.Event) bool) []event.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if evs := r.all(); fn(evs) {
			return evs
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for events, have %d", len(r.all()))
		}
	}
}

func newTestBridge(t *testing.T) (*EventBridge, *mockBroadcaster) {
	t.Helper()
	q := memory.NewQueue()
	hub := &mockBroadcaster{}
	b := NewEventBridge(q, hub)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		b.Stop()
		_ = q.Close()
	})
	return b, hub
}

func TestEventBridge_PublishFanOut(t *testing.T) {
	b, hub := newTestBridge(t)
	rec := newEventRecorder()
	b.Subscribe("spec.*", rec.handle)
	other := newEventRecorder()
	b.Subscribe("deploy.>", other.handle)

	ev := event.New(event.TypeSpecCreated, "p1", "r1")
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := rec.waitFor(t, func(evs []event.Event) bool { return len(evs) == 1 })
	if got[0].ID != ev.ID || got[0].Type != event.TypeSpecCreated {
		t.Fatalf("unexpected event %+v", got[0])
	}
	if hub.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", hub.count())
	}
	if len(other.all()) != 0 {
		t.Fatal("non-matching subscriber received the event")
	}
}

func TestEventBridge_DedupesByID(t *testing.T) {
	b, hub := newTestBridge(t)
	rec := newEventRecorder()
	b.Subscribe(">", rec.handle)

	ev := event.New(event.TypeValidationPassed, "p1", "r1")
	for range 3 {
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	marker := event.New(event.TypeDeploySucceeded, "p1", "r1")
	if err := b.Publish(context.Background(), marker); err != nil {
		t.Fatal(err)
	}

	// Delivery order differs across subjects, so wait for both ids.
	rec.waitFor(t, func(evs []event.Event) bool { return len(evs) >= 2 })
	time.Sleep(50 * time.Millisecond)
	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected duplicates to be dropped, got %d events", len(got))
	}
	if hub.count() != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", hub.count())
	}
}

// idQueue records the deduplication id of every publish.
type idQueue struct {
	messagequeue.Queue
	mu  sync.Mutex
	ids []string
}

func (q *idQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	q.ids = append(q.ids, messagequeue.MessageID(ctx))
	q.mu.Unlock()
	return q.Queue.Publish(ctx, subject, data)
}

func TestEventBridge_PublishSetsMessageID(t *testing.T) {
	q := &idQueue{Queue: memory.NewQueue()}
	t.Cleanup(func() { _ = q.Close() })
	b := NewEventBridge(q, nil)

	ev := event.New(event.TypeSynthesisCompleted, "p1", "r1")
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) != 1 || q.ids[0] != ev.ID {
		t.Fatalf("expected message id %q, got %v", ev.ID, q.ids)
	}
}

func TestEventBridge_Unsubscribe(t *testing.T) {
	b, _ := newTestBridge(t)
	rec := newEventRecorder()
	cancel := b.Subscribe("project.created", rec.handle)
	cancel()

	live := newEventRecorder()
	b.Subscribe("project.created", live.handle)
	if err := b.Publish(context.Background(), event.New(event.TypeProjectCreated, "p1", "r1")); err != nil {
		t.Fatal(err)
	}
	live.waitFor(t, func(evs []event.Event) bool { return len(evs) == 1 })
	if len(rec.all()) != 0 {
		t.Fatal("cancelled subscriber received an event")
	}
}

func TestEventBridge_PublishRejectsInvalid(t *testing.T) {
	b, _ := newTestBridge(t)
	ev := event.New(event.TypeSpecCreated, "", "r1")
	if err := b.Publish(context.Background(), ev); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRecentIDs_Evicts(t *testing.T) {
	r := newRecentIDs(2)
	for _, id := range []string{"a", "b", "c"} {
		if !r.add(id) {
			t.Fatalf("%s should be new", id)
		}
	}
	if r.add("c") {
		t.Error("c should be a duplicate")
	}
	if !r.add("a") {
		t.Error("a should have been evicted")
	}
}
