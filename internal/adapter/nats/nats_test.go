package nats

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/domain/job"
	"github.com/Strob0t/SiteForge/internal/logger"
	"github.com/Strob0t/SiteForge/internal/port/messagequeue"
	"github.com/Strob0t/SiteForge/internal/port/worker"
)

const testStream = "SITEFORGE_TEST"

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url, Options{Stream: testStream, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// testEvent returns a valid event whose type is a per-test subject under
// phase.>, which the stream captures.
func testEvent(t *testing.T) event.Event {
	t.Helper()
	name := strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	return event.New(event.Type("phase.test."+name), "proj-nats", "run-nats")
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	want := testEvent(t)
	subject := string(want.Type)

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received event.Event
		done     = make(chan struct{})
		once     sync.Once
	)
	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if err := json.Unmarshal(data, &received); err != nil {
			return err
		}
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.ID != want.ID {
		t.Errorf("got event %q, want %q", received.ID, want.ID)
	}
}

func TestQueue_PublishDedupesByMessageID(t *testing.T) {
	q := testConnect(t)
	ev := testEvent(t)
	subject := string(ev.Type)
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu    sync.Mutex
		count int
	)
	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, _ []byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := messagequeue.WithMessageID(context.Background(), ev.ID)
	for range 2 {
		if err := q.Publish(ctx, subject, data); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	ev := testEvent(t)
	subject := string(ev.Type)
	data, _ := json.Marshal(ev)

	const wantReqID = "req-abc-123"

	var (
		mu       sync.Mutex
		gotReqID string
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		mu.Lock()
		gotReqID = logger.RequestID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), wantReqID)
	if err := q.Publish(ctx, subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReqID != wantReqID {
		t.Errorf("request ID = %q, want %q", gotReqID, wantReqID)
	}
}

// consumeDLQ subscribes to the dead-letter subject with a raw consumer so
// the payload is not validated a second time.
func consumeDLQ(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()
	ctx := context.Background()
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject + ".dlq",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}

	out := make(chan []byte, 1)
	var once sync.Once
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		once.Do(func() { out <- msg.Data() })
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

func TestQueue_DLQ_InvalidPayload(t *testing.T) {
	q := testConnect(t)
	subject := string(testEvent(t).Type)
	dlq := consumeDLQ(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		t.Error("handler must not see an invalid payload")
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, []byte("not-json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != "not-json" {
			t.Errorf("DLQ data = %q, want not-json", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_DLQ_RetryExhaustion(t *testing.T) {
	q := testConnect(t)
	ev := testEvent(t)
	subject := string(ev.Type)
	dlq := consumeDLQ(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	// An already exhausted message goes to the DLQ on its first failure.
	data, _ := json.Marshal(ev)
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(context.Background(), msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case got := <-dlq:
		if string(got) != string(data) {
			t.Errorf("DLQ data = %s, want %s", got, data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-"+strings.ToLower(t.Name()), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "budget.tenant.t1.2026-10", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "budget.tenant.t1.2026-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "1" {
		t.Errorf("value = %q, want 1", entry.Value())
	}
}

func TestRemoteWorker_RoundTrip(t *testing.T) {
	q := testConnect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := "echo-" + strings.ToLower(t.Name())
	err := ServeWorker(ctx, q.Conn(), agent, worker.Func(func(_ context.Context, spec job.Spec) (job.Result, error) {
		return job.Result{Output: spec.Input, CostUSD: 0.25, Tokens: 10}, nil
	}))
	if err != nil {
		t.Fatalf("ServeWorker: %v", err)
	}

	rw := NewRemoteWorker(q, 5*time.Second)
	res, err := rw.Execute(ctx, job.Spec{ID: "j1", AgentID: agent, ProjectID: "p", RunID: "r",
		Phase: job.PhasePlan, Input: json.RawMessage(`{"brief":"bakery"}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Output) != `{"brief":"bakery"}` || res.CostUSD != 0.25 || res.Tokens != 10 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)

	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

// errAlwaysFail is a sentinel error used by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
