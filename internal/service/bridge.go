package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/port/broadcast"
	"github.com/Strob0t/SiteForge/internal/port/messagequeue"
)

// dedupeWindow is how many recent event ids are remembered.
const dedupeWindow = 8192

// EventHandler consumes a bridged event. Handlers run on the transport's
// delivery goroutine and must not block.
type EventHandler func(ctx context.Context, ev event.Event)

type localSub struct {
	pattern string
	fn      EventHandler
}

// EventBridge publishes typed events over the message queue and fans every
// received event out to local subscribers and progress subscribers.
type EventBridge struct {
	queue messagequeue.Queue
	hub   broadcast.Broadcaster

	mu      sync.RWMutex
	subs    map[int]localSub
	nextSub int
	cancels []func()

	seen *recentIDs
}

// NewEventBridge creates a bridge. hub may be nil.
func NewEventBridge(q messagequeue.Queue, hub broadcast.Broadcaster) *EventBridge {
	return &EventBridge{
		queue: q,
		hub:   hub,
		subs:  make(map[int]localSub),
		seen:  newRecentIDs(dedupeWindow),
	}
}

// Start subscribes to every event subject on the queue.
func (b *EventBridge) Start(ctx context.Context) error {
	for _, pattern := range event.StreamSubjects {
		cancel, err := b.queue.Subscribe(ctx, pattern, b.receive)
		if err != nil {
			b.Stop()
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		b.mu.Lock()
		b.cancels = append(b.cancels, cancel)
		b.mu.Unlock()
	}
	slog.Info("event bridge started", "subjects", len(event.StreamSubjects))
	return nil
}

// Stop cancels the queue subscriptions.
func (b *EventBridge) Stop() {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Publish stamps, validates and sends ev. The event type is the subject.
func (b *EventBridge) Publish(ctx context.Context, ev event.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", ev.Type, domain.ErrValidation, err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	if err := b.queue.Publish(messagequeue.WithMessageID(ctx, ev.ID), string(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	slog.Debug("event published", "type", ev.Type, "project_id", ev.ProjectID, "event_id", ev.ID)
	return nil
}

// Subscribe registers fn for events whose type matches the NATS-style
// pattern. The returned function removes the subscription.
func (b *EventBridge) Subscribe(pattern string, fn EventHandler) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = localSub{pattern: pattern, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *EventBridge) receive(ctx context.Context, subject string, data []byte) error {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		// Redelivery cannot fix a malformed payload.
		slog.Error("bridge: undecodable event", "subject", subject, "error", err)
		return nil
	}
	if !b.seen.add(ev.ID) {
		slog.Debug("bridge: duplicate event dropped", "type", ev.Type, "event_id", ev.ID)
		return nil
	}

	if b.hub != nil {
		b.hub.BroadcastEvent(ctx, ev.ProjectID, string(ev.Type), ev)
	}

	b.mu.RLock()
	targets := make([]EventHandler, 0, len(b.subs))
	for _, s := range b.subs {
		if messagequeue.MatchSubject(s.pattern, string(ev.Type)) {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(ctx, ev)
	}
	return nil
}

// recentIDs is a fixed-size set of the most recently seen ids.
type recentIDs struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{set: make(map[string]struct{}, size), ring: make([]string, size)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % len(r.ring)
	r.set[id] = struct{}{}
	return true
}
