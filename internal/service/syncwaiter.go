package service

import (
	"log/slog"
	"sync"
)

// syncWaiter parks goroutines until a payload satisfying their predicate
// is delivered. Each waiter receives at most one payload; later matches are
// dropped.
type syncWaiter[T any] struct {
	mu      sync.Mutex
	waiters map[string]*pendingWait[T]
	label   string // for logging
}

type pendingWait[T any] struct {
	match func(*T) bool
	ch    chan *T
}

func newSyncWaiter[T any](label string) *syncWaiter[T] {
	return &syncWaiter[T]{
		waiters: make(map[string]*pendingWait[T]),
		label:   label,
	}
}

// register creates a buffered channel for the waiter with the given id.
func (w *syncWaiter[T]) register(id string, match func(*T) bool) chan *T {
	ch := make(chan *T, 1)
	w.mu.Lock()
	w.waiters[id] = &pendingWait[T]{match: match, ch: ch}
	w.mu.Unlock()
	return ch
}

// unregister removes the waiter with the given id.
func (w *syncWaiter[T]) unregister(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}

// deliver hands payload to every waiter whose predicate accepts it and
// removes them. It returns the number of waiters woken.
func (w *syncWaiter[T]) deliver(payload *T) int {
	w.mu.Lock()
	var woken []chan *T
	for id, pw := range w.waiters {
		if pw.match(payload) {
			woken = append(woken, pw.ch)
			delete(w.waiters, id)
		}
	}
	w.mu.Unlock()

	for _, ch := range woken {
		ch <- payload
	}
	if len(woken) > 0 {
		slog.Debug(w.label+" waiters woken", "count", len(woken))
	}
	return len(woken)
}

// len returns the number of parked waiters.
func (w *syncWaiter[T]) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}
