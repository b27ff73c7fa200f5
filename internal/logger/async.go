package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes and stops the log pipeline.
type Closer interface {
	Close()
	// Dropped reports records discarded under back-pressure.
	Dropped() int64
}

type nopCloser struct{}

func (nopCloser) Close()         {}
func (nopCloser) Dropped() int64 { return 0 }

// asyncState is shared by an AsyncHandler and every handler derived from it.
type asyncState struct {
	mu      sync.RWMutex // guards ch against send-after-close
	closed  bool
	ch      chan asyncRecord
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

type asyncRecord struct {
	inner slog.Handler
	rec   slog.Record
}

// AsyncHandler moves log output off the dispatcher and orchestrator
// goroutines. Records below Warn are dropped when the buffer is full;
// Warn and above wait for room so job failures and budget alerts are
// never lost.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// NewAsyncHandler starts workers draining a buffer of chanSize records.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	st := &asyncState{ch: make(chan asyncRecord, max(chanSize, 1))}
	for range max(workers, 1) {
		st.wg.Add(1)
		go st.drain()
	}
	return &AsyncHandler{inner: inner, state: st}
}

func (s *asyncState) drain() {
	defer s.wg.Done()
	for r := range s.ch {
		_ = r.inner.Handle(context.Background(), r.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues a copy of rec. After Close records go straight to the
// inner handler.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	st := h.state
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		return h.inner.Handle(ctx, rec)
	}

	r := asyncRecord{inner: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelWarn {
		st.ch <- r
		return nil
	}
	select {
	case st.ch <- r:
	default:
		st.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same buffer.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup returns a handler sharing the same buffer.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// Dropped returns the number of discarded records.
func (h *AsyncHandler) Dropped() int64 {
	return h.state.dropped.Load()
}

// Close drains buffered records and stops the workers. It is safe to call
// more than once.
func (h *AsyncHandler) Close() {
	st := h.state
	st.once.Do(func() {
		st.mu.Lock()
		st.closed = true
		close(st.ch)
		st.mu.Unlock()
		st.wg.Wait()
	})
}
