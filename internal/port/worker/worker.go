// Package worker defines the capability interface implemented per agent
// identity and the registry that maps identities to implementations.
package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/Strob0t/SiteForge/internal/domain/job"
)

// Worker executes one attempt of a job. Errors should be tagged with a
// job.Kind so the dispatcher can decide whether to retry.
type Worker interface {
	Execute(ctx context.Context, spec job.Spec) (job.Result, error)
}

// Func adapts a plain function to Worker.
type Func func(ctx context.Context, spec job.Spec) (job.Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, spec job.Spec) (job.Result, error) {
	return f(ctx, spec)
}

// Registry maps agent ids to workers. A Fallback, if set, serves agents
// without an explicit registration.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]Worker
	Fallback func(agentID string) Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds agentID to w, replacing any previous binding.
func (r *Registry) Register(agentID string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[agentID] = w
}

// Lookup returns the worker for agentID.
func (r *Registry) Lookup(agentID string) (Worker, bool) {
	r.mu.RLock()
	w, ok := r.workers[agentID]
	r.mu.RUnlock()
	if ok {
		return w, true
	}
	if r.Fallback != nil {
		if w := r.Fallback(agentID); w != nil {
			return w, true
		}
	}
	return nil, false
}

// Agents returns the explicitly registered agent ids, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
