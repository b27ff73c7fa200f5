package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/SiteForge/internal/logger"
	"github.com/Strob0t/SiteForge/internal/port/messagequeue"
)

// ErrNoResponders is returned by Request when nobody serves the subject.
var ErrNoResponders = errors.New("no responders")

// maxDeliveries bounds redelivery of a message whose handler keeps failing.
const maxDeliveries = 4

// Responder answers a request.
type Responder func(ctx context.Context, data []byte) ([]byte, error)

type message struct {
	ctx     context.Context
	subject string
	data    []byte
}

// subscription delivers messages to one handler in publish order on its
// own goroutine, so handlers may publish without deadlocking.
type subscription struct {
	pattern string
	handler messagequeue.Handler

	mu      sync.Mutex
	pending []message
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) push(m message) {
	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		m := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		for attempt := 1; attempt <= maxDeliveries; attempt++ {
			err := s.handler(m.ctx, m.subject, m.data)
			if err == nil {
				break
			}
			slog.Error("message handler failed", "subject", m.subject, "attempt", attempt, "error", err)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Queue is an in-process messagequeue.Queue with NATS subject semantics.
type Queue struct {
	mu         sync.RWMutex
	subs       map[*subscription]struct{}
	responders map[string]Responder
	closed     bool
	wg         sync.WaitGroup
}

var _ messagequeue.Queue = (*Queue)(nil)

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		subs:       make(map[*subscription]struct{}),
		responders: make(map[string]Responder),
	}
}

// Publish validates data and hands it to every matching subscription.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("memory publish %s: %w", subject, err)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("memory publish %s: queue closed", subject)
	}

	msgCtx := context.Background()
	if reqID := logger.RequestID(ctx); reqID != "" {
		msgCtx = logger.WithRequestID(msgCtx, reqID)
	}
	buf := append([]byte(nil), data...)
	for s := range q.subs {
		if messagequeue.MatchSubject(s.pattern, subject) {
			s.push(message{ctx: msgCtx, subject: subject, data: buf})
		}
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern. Only messages
// published after Subscribe returns are delivered.
func (q *Queue) Subscribe(_ context.Context, pattern string, handler messagequeue.Handler) (func(), error) {
	s := &subscription{
		pattern: pattern,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.New("memory subscribe: queue closed")
	}
	q.subs[s] = struct{}{}
	q.wg.Add(1)
	q.mu.Unlock()

	go s.run(&q.wg)

	return func() {
		q.mu.Lock()
		delete(q.subs, s)
		q.mu.Unlock()
		s.stop()
	}, nil
}

// Respond registers r as the responder for subject, replacing any
// previous one.
func (q *Queue) Respond(subject string, r Responder) {
	q.mu.Lock()
	q.responders[subject] = r
	q.mu.Unlock()
}

// Request calls the responder registered for subject.
func (q *Queue) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	q.mu.RLock()
	r, ok := q.responders[subject]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory request %s: %w", subject, ErrNoResponders)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r(ctx, data)
}

// Drain stops every subscription after its pending messages are handled.
func (q *Queue) Drain() error {
	q.mu.Lock()
	q.closed = true
	subs := make([]*subscription, 0, len(q.subs))
	for s := range q.subs {
		subs = append(subs, s)
	}
	q.subs = make(map[*subscription]struct{})
	q.mu.Unlock()

	for _, s := range subs {
		for {
			s.mu.Lock()
			n := len(s.pending)
			s.mu.Unlock()
			if n == 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		s.stop()
	}
	q.wg.Wait()
	return nil
}

// Close stops every subscription immediately.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	for s := range q.subs {
		s.stop()
	}
	q.subs = make(map[*subscription]struct{})
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// IsConnected reports whether the queue is open.
func (q *Queue) IsConnected() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.closed
}
