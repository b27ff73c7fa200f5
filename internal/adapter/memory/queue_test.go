package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/SiteForge/internal/adapter/memory"
	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/logger"
)

func publishEvent(t *testing.T, q *memory.Queue, ctx context.Context, typ event.Type) event.Event {
	t.Helper()
	ev := event.New(typ, "p1", "r1")
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, string(typ), data); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return ev
}

func TestQueue_WildcardDeliveryInOrder(t *testing.T) {
	q := memory.NewQueue()
	defer func() { _ = q.Close() }()

	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	stop, err := q.Subscribe(context.Background(), "agent.*.completed", func(_ context.Context, subject string, _ []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, subject)
		if len(got) == 2 {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	publishEvent(t, q, context.Background(), event.AgentCompleted("strategist"))
	publishEvent(t, q, context.Background(), event.AgentFailed("strategist"))
	publishEvent(t, q, context.Background(), event.AgentCompleted("copywriter"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "agent.strategist.completed" || got[1] != "agent.copywriter.completed" {
		t.Errorf("got %v", got)
	}
}

func TestQueue_RejectsInvalidPayload(t *testing.T) {
	q := memory.NewQueue()
	defer func() { _ = q.Close() }()

	if err := q.Publish(context.Background(), "spec.created", []byte("{")); err == nil {
		t.Error("expected invalid JSON to be rejected")
	}
}

func TestQueue_RedeliversOnError(t *testing.T) {
	q := memory.NewQueue()
	defer func() { _ = q.Close() }()

	var (
		mu    sync.Mutex
		calls int
		done  = make(chan struct{})
	)
	stop, _ := q.Subscribe(context.Background(), "spec.>", func(context.Context, string, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	defer stop()

	publishEvent(t, q, context.Background(), event.TypeSpecCreated)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := memory.NewQueue()
	defer func() { _ = q.Close() }()

	got := make(chan string, 1)
	stop, _ := q.Subscribe(context.Background(), "spec.created", func(ctx context.Context, _ string, _ []byte) error {
		got <- logger.RequestID(ctx)
		return nil
	})
	defer stop()

	publishEvent(t, q, logger.WithRequestID(context.Background(), "req-1"), event.TypeSpecCreated)
	select {
	case id := <-got:
		if id != "req-1" {
			t.Errorf("request id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestQueue_Request(t *testing.T) {
	q := memory.NewQueue()
	defer func() { _ = q.Close() }()

	if _, err := q.Request(context.Background(), "workers.fixer", []byte(`{}`), time.Second); !errors.Is(err, memory.ErrNoResponders) {
		t.Fatalf("expected ErrNoResponders, got %v", err)
	}

	q.Respond("workers.fixer", func(_ context.Context, data []byte) ([]byte, error) {
		return append([]byte(`{"echo":`), append(data, '}')...), nil
	})
	reply, err := q.Request(context.Background(), "workers.fixer", []byte(`1`), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != `{"echo":1}` {
		t.Errorf("reply = %s", reply)
	}
}

func TestQueue_DrainAndClose(t *testing.T) {
	q := memory.NewQueue()
	handled := make(chan struct{}, 1)
	_, _ = q.Subscribe(context.Background(), "spec.created", func(context.Context, string, []byte) error {
		handled <- struct{}{}
		return nil
	})
	publishEvent(t, q, context.Background(), event.TypeSpecCreated)

	if err := q.Drain(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-handled:
	default:
		t.Error("Drain returned before pending message was handled")
	}
	if q.IsConnected() {
		t.Error("queue should report disconnected after Drain")
	}
	if err := q.Publish(context.Background(), "workers.test", []byte(`{}`)); err == nil {
		t.Error("publish after drain should fail")
	}
}
