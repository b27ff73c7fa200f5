package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/SiteForge/internal/config"
	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/domain/job"
	"github.com/Strob0t/SiteForge/internal/port/worker"
)

func testDispatchConfig() config.Dispatch {
	tier := config.Tier{
		Concurrency: 2,
		RateLimit:   config.RateLimit{Max: 1000, Window: time.Second},
		QueueSize:   16,
	}
	return config.Dispatch{
		Tiers: map[job.Tier]config.Tier{
			job.TierStrategy: tier,
			job.TierBuild:    tier,
			job.TierQuality:  tier,
		},
		Assignments: job.Assignment{"strategist": job.TierStrategy, "qa": job.TierQuality},
		Phases: map[job.Phase][]string{
			job.PhasePlan:       {"strategist"},
			job.PhaseSynthesize: {"page-builder", "copywriter"},
			job.PhaseValidate:   {"qa"},
			job.PhaseDeploy:     {"deployer"},
		},
		FixAgents:       []string{"fixer"},
		MaxAttempts:     3,
		BaseBackoff:     10 * time.Millisecond,
		RetainCompleted: time.Hour,
		RetainFailed:    24 * time.Hour,
	}
}

type dispatchFixture struct {
	d      *Dispatcher
	bridge *EventBridge
	events *eventRecorder
}

func newDispatchFixture(t *testing.T, cfg config.Dispatch, reg *worker.Registry, budgetSvc *BudgetService, ledger *LedgerService) *dispatchFixture {
	t.Helper()
	bridge, _ := newTestBridge(t)
	rec := newEventRecorder()
	bridge.Subscribe(">", rec.handle)

	d := NewDispatcher(cfg, reg, budgetSvc, ledger, bridge, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = d.Wait()
	})
	return &dispatchFixture{d: d, bridge: bridge, events: rec}
}

func (f *dispatchFixture) waitTerminal(t *testing.T, id string) *job.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.d.Job(id)
		if err != nil {
			t.Fatalf("Job(%s): %v", id, err)
		}
		if rec.Status.IsTerminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return nil
}

func testSpec(agentID string) job.Spec {
	return job.Spec{AgentID: agentID, ProjectID: "p1", RunID: "r1", Phase: job.PhaseSynthesize}
}

func countType(evs []event.Event, typ event.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestDispatcher_NonRetryableRunsOnce(t *testing.T) {
	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		calls.Add(1)
		return job.Result{}, job.Errorf(job.KindValidation, "bad input")
	}))
	f := newDispatchFixture(t, testDispatchConfig(), reg, nil, nil)

	id, err := f.d.Enqueue(context.Background(), testSpec("page-builder"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rec := f.waitTerminal(t, id)

	if rec.Status != job.StatusFailed || rec.ErrorKind != "validation" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if calls.Load() != 1 || rec.Attempts != 1 {
		t.Fatalf("expected exactly one attempt, got calls=%d attempts=%d", calls.Load(), rec.Attempts)
	}
	evs := f.events.waitFor(t, func(evs []event.Event) bool {
		return countType(evs, event.AgentFailed("page-builder")) == 1
	})
	if countType(evs, event.AgentCompleted("page-builder")) != 0 {
		t.Fatal("unexpected completion event")
	}
}

func TestDispatcher_RetryableAttemptsThreeTimesWithBackoff(t *testing.T) {
	var (
		mu      sync.Mutex
		times   []time.Time
		retries []int
	)
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(_ context.Context, spec job.Spec) (job.Result, error) {
		mu.Lock()
		times = append(times, time.Now())
		retries = append(retries, spec.Context.RetryCount)
		mu.Unlock()
		return job.Result{}, job.Errorf(job.KindRateLimited, "429")
	}))
	f := newDispatchFixture(t, testDispatchConfig(), reg, nil, nil)

	id, err := f.d.Enqueue(context.Background(), testSpec("page-builder"))
	if err != nil {
		t.Fatal(err)
	}
	rec := f.waitTerminal(t, id)

	if rec.Status != job.StatusFailed || rec.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got %+v", rec)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(times))
	}
	for i, rc := range retries {
		if rc != i {
			t.Errorf("attempt %d carried retryCount %d", i+1, rc)
		}
	}
	if gap := times[1].Sub(times[0]); gap < 10*time.Millisecond {
		t.Errorf("first backoff too short: %v", gap)
	}
	if gap := times[2].Sub(times[1]); gap < 20*time.Millisecond {
		t.Errorf("second backoff too short: %v", gap)
	}

	f.events.waitFor(t, func(evs []event.Event) bool {
		return countType(evs, event.AgentFailed("page-builder")) == 1
	})
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		if calls.Add(1) == 1 {
			return job.Result{}, job.Errorf(job.KindNetwork, "reset")
		}
		return job.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	}))
	f := newDispatchFixture(t, testDispatchConfig(), reg, nil, nil)

	id, err := f.d.Enqueue(context.Background(), testSpec("page-builder"))
	if err != nil {
		t.Fatal(err)
	}
	rec := f.waitTerminal(t, id)
	if rec.Status != job.StatusCompleted || rec.Attempts != 2 || rec.Result == nil {
		t.Fatalf("unexpected record %+v", rec)
	}

	evs := f.events.waitFor(t, func(evs []event.Event) bool {
		return countType(evs, event.AgentCompleted("page-builder")) == 1
	})
	if countType(evs, event.AgentFailed("page-builder")) != 0 {
		t.Fatal("failed event must not be published for a job that eventually succeeded")
	}
}

func TestDispatcher_StallRequeuedOnceThenFails(t *testing.T) {
	cfg := testDispatchConfig()
	tier := cfg.Tiers[job.TierBuild]
	tier.StallTimeout = 20 * time.Millisecond
	cfg.Tiers[job.TierBuild] = tier

	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(ctx context.Context, _ job.Spec) (job.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return job.Result{}, ctx.Err()
	}))
	f := newDispatchFixture(t, cfg, reg, nil, nil)

	id, err := f.d.Enqueue(context.Background(), testSpec("page-builder"))
	if err != nil {
		t.Fatal(err)
	}
	rec := f.waitTerminal(t, id)
	if rec.Status != job.StatusFailed || rec.ErrorKind != "stalled" {
		t.Fatalf("expected stalled failure, got %+v", rec)
	}
	if calls.Load() != 2 || rec.Stalls != 2 {
		t.Fatalf("expected one requeue, got calls=%d stalls=%d", calls.Load(), rec.Stalls)
	}
}

func TestDispatcher_StallThenSuccess(t *testing.T) {
	cfg := testDispatchConfig()
	tier := cfg.Tiers[job.TierBuild]
	tier.StallTimeout = 20 * time.Millisecond
	cfg.Tiers[job.TierBuild] = tier

	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(ctx context.Context, _ job.Spec) (job.Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return job.Result{}, ctx.Err()
		}
		return job.Result{}, nil
	}))
	f := newDispatchFixture(t, cfg, reg, nil, nil)

	id, err := f.d.Enqueue(context.Background(), testSpec("page-builder"))
	if err != nil {
		t.Fatal(err)
	}
	if rec := f.waitTerminal(t, id); rec.Status != job.StatusCompleted || rec.Stalls != 1 {
		t.Fatalf("expected completion after one stall, got %+v", rec)
	}
}

func TestDispatcher_StallAfterRetriesStopsAtMaxAttempts(t *testing.T) {
	cfg := testDispatchConfig()
	tier := cfg.Tiers[job.TierBuild]
	tier.StallTimeout = 50 * time.Millisecond
	cfg.Tiers[job.TierBuild] = tier

	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(ctx context.Context, _ job.Spec) (job.Result, error) {
		if calls.Add(1) == 3 {
			<-ctx.Done()
		}
		return job.Result{}, job.Errorf(job.KindNetwork, "connection reset")
	}))
	f := newDispatchFixture(t, cfg, reg, nil, nil)

	id, err := f.d.Enqueue(context.Background(), testSpec("page-builder"))
	if err != nil {
		t.Fatal(err)
	}
	rec := f.waitTerminal(t, id)
	if rec.Status != job.StatusFailed || rec.ErrorKind != "stalled" {
		t.Fatalf("expected stalled failure on the last attempt, got %+v", rec)
	}
	if rec.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", rec.Attempts)
	}

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 3 {
		t.Fatalf("worker invoked %d times, want 3", n)
	}
}

func TestDispatcher_UnknownAgentFails(t *testing.T) {
	f := newDispatchFixture(t, testDispatchConfig(), worker.NewRegistry(), nil, nil)
	id, err := f.d.Enqueue(context.Background(), testSpec("ghost"))
	if err != nil {
		t.Fatal(err)
	}
	if rec := f.waitTerminal(t, id); rec.Status != job.StatusFailed || rec.Attempts != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestDispatcher_EnqueueValidationAndQueueFull(t *testing.T) {
	cfg := testDispatchConfig()
	tier := cfg.Tiers[job.TierBuild]
	tier.QueueSize = 1
	cfg.Tiers[job.TierBuild] = tier
	// Not started, so nothing drains the queue.
	d := NewDispatcher(cfg, worker.NewRegistry(), nil, nil, nil, nil)

	if _, err := d.Enqueue(context.Background(), job.Spec{AgentID: "x"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := d.Enqueue(context.Background(), testSpec("page-builder")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := d.Enqueue(context.Background(), testSpec("copywriter")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// Other tiers are unaffected.
	if _, err := d.Enqueue(context.Background(), testSpec("qa")); err != nil {
		t.Fatalf("quality enqueue: %v", err)
	}

	h := d.Health()
	if h[job.TierBuild].Waiting != 1 || h[job.TierQuality].Waiting != 1 || h[job.TierStrategy].Waiting != 0 {
		t.Fatalf("unexpected health %+v", h)
	}
	if h[job.TierBuild].Concurrency != 2 {
		t.Fatalf("unexpected concurrency %d", h[job.TierBuild].Concurrency)
	}
}

func TestDispatcher_BudgetDenialSkipsWorker(t *testing.T) {
	bf := newBudgetFixture(t, budget.Limits{Monthly: budget.NewCeiling(budget.USD(10))})
	bf.spend(t, "t1", budget.USD(10))

	cfg := testDispatchConfig()
	tier := cfg.Tiers[job.TierBuild]
	tier.Estimate = config.Estimate{CostUSD: budget.Cents(1)}
	cfg.Tiers[job.TierBuild] = tier

	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		calls.Add(1)
		return job.Result{}, nil
	}))
	f := newDispatchFixture(t, cfg, reg, bf.svc, bf.ledger)

	spec := testSpec("page-builder")
	spec.TenantID = "t1"
	id, err := f.d.Enqueue(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	rec := f.waitTerminal(t, id)
	bf.svc.Flush()
	if rec.Status != job.StatusFailed || rec.ErrorKind != "budget" || rec.Attempts != 1 {
		t.Fatalf("expected budget failure, got %+v", rec)
	}
	if calls.Load() != 0 {
		t.Fatal("worker must not run when the budget denies the job")
	}
}

func TestDispatcher_RecordsCost(t *testing.T) {
	bf := newBudgetFixture(t, budget.Limits{})
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		return job.Result{CostUSD: 1.25, Tokens: 500}, nil
	}))
	f := newDispatchFixture(t, testDispatchConfig(), reg, bf.svc, bf.ledger)

	spec := testSpec("page-builder")
	spec.TenantID = "t1"
	id, err := f.d.Enqueue(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	f.waitTerminal(t, id)
	bf.svc.Flush()

	got, err := bf.ledger.Totals(context.Background(), budget.WorkflowScope("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Cost != budget.FromFloat(1.25) || got.Tokens != 500 {
		t.Fatalf("unexpected workflow totals %+v", got)
	}
	exec, err := bf.ledger.Totals(context.Background(), budget.ExecutionScope(id))
	if err != nil {
		t.Fatal(err)
	}
	if exec.Tokens != 500 {
		t.Fatalf("unexpected execution totals %+v", exec)
	}
}

func TestDispatcher_RecordsCostOfFailedAttempts(t *testing.T) {
	bf := newBudgetFixture(t, budget.Limits{})
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		return job.Result{CostUSD: 5, Tokens: 1000}, job.Errorf(job.KindRateLimited, "429")
	}))
	f := newDispatchFixture(t, testDispatchConfig(), reg, bf.svc, bf.ledger)

	spec := testSpec("page-builder")
	spec.TenantID = "t1"
	id, err := f.d.Enqueue(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if rec := f.waitTerminal(t, id); rec.Status != job.StatusFailed || rec.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got %+v", rec)
	}
	bf.svc.Flush()

	got, err := bf.ledger.Totals(context.Background(), budget.WorkflowScope("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Cost != budget.USD(15) || got.Tokens != 3000 {
		t.Fatalf("expected every attempt's spend in the ledger, got %+v", got)
	}
}

func TestDispatcher_ShutdownReturnsActiveJobToWaiting(t *testing.T) {
	started := make(chan struct{})
	reg := worker.NewRegistry()
	reg.Register("page-builder", worker.Func(func(ctx context.Context, _ job.Spec) (job.Result, error) {
		close(started)
		<-ctx.Done()
		return job.Result{}, ctx.Err()
	}))
	d := NewDispatcher(testDispatchConfig(), reg, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	id, err := d.Enqueue(context.Background(), testSpec("page-builder"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	cancel()
	if err := d.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec, err := d.Job(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != job.StatusWaiting || rec.Attempts != 0 {
		t.Fatalf("expected waiting record with no counted attempt, got %+v", rec)
	}
	h := d.Health()[job.TierBuild]
	if h.Active != 0 || h.Waiting != 1 {
		t.Fatalf("unexpected build health %+v", h)
	}
}

func outputWorker(out string) worker.Worker {
	return worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		return job.Result{Output: json.RawMessage(out)}, nil
	})
}

func TestDispatcher_PhaseFanOut(t *testing.T) {
	tests := []struct {
		name     string
		phase    job.Phase
		workers  map[string]worker.Worker
		want     event.Type
		check    func(t *testing.T, ev event.Event)
		fixEvent bool
	}{
		{
			name:  "synthesis collects every agent",
			phase: job.PhaseSynthesize,
			workers: map[string]worker.Worker{
				"page-builder": outputWorker(`{"pages":3}`),
				"copywriter":   outputWorker(`{"words":900}`),
			},
			want: event.TypeSynthesisCompleted,
			check: func(t *testing.T, ev event.Event) {
				if len(ev.Results) != 2 {
					t.Fatalf("expected 2 results, got %v", ev.Results)
				}
			},
		},
		{
			name:  "failing agent fails the phase",
			phase: job.PhaseSynthesize,
			workers: map[string]worker.Worker{
				"page-builder": outputWorker(`{}`),
				"copywriter": worker.Func(func(context.Context, job.Spec) (job.Result, error) {
					return job.Result{}, job.Errorf(job.KindLogic, "boom")
				}),
			},
			want: event.TypeSynthesisFailed,
			check: func(t *testing.T, ev event.Event) {
				if ev.Error == "" {
					t.Fatal("expected error text")
				}
			},
		},
		{
			name:    "validator findings fail validation",
			phase:   job.PhaseValidate,
			workers: map[string]worker.Worker{"qa": outputWorker(`{"passed":false,"findings":[{"rule":"alt-text"}]}`)},
			want:    event.TypeValidationFailed,
			check: func(t *testing.T, ev event.Event) {
				if len(ev.Findings) != 1 {
					t.Fatalf("expected 1 finding, got %d", len(ev.Findings))
				}
			},
		},
		{
			name:    "clean validation passes",
			phase:   job.PhaseValidate,
			workers: map[string]worker.Worker{"qa": outputWorker(`{"passed":true}`)},
			want:    event.TypeValidationPassed,
		},
		{
			name:    "deploy reports urls",
			phase:   job.PhaseDeploy,
			workers: map[string]worker.Worker{"deployer": outputWorker(`{"url":"https://p1.example.com"}`)},
			want:    event.TypeDeploySucceeded,
			check: func(t *testing.T, ev event.Event) {
				if len(ev.URLs) != 1 || ev.URLs[0] != "https://p1.example.com" {
					t.Fatalf("unexpected urls %v", ev.URLs)
				}
			},
		},
		{
			name:     "fix request runs fix agents",
			workers:  map[string]worker.Worker{"fixer": outputWorker(`{"changes":4}`)},
			want:     event.TypeSynthesisCompleted,
			fixEvent: true,
			check: func(t *testing.T, ev event.Event) {
				if !ev.Fix || ev.Iteration != 2 || ev.FixBudget != 40 {
					t.Fatalf("unexpected fix completion %+v", ev)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := worker.NewRegistry()
			for id, w := range tt.workers {
				reg.Register(id, w)
			}
			f := newDispatchFixture(t, testDispatchConfig(), reg, nil, nil)

			ev := event.New(event.TypePhaseStarted, "p1", "r1")
			ev.Phase = tt.phase
			if tt.fixEvent {
				ev = event.New(event.TypeFixRequested, "p1", "r1")
				ev.Iteration = 2
				ev.FixBudget = 40
				ev.Findings = []json.RawMessage{json.RawMessage(`{"rule":"contrast"}`)}
			}
			if err := f.bridge.Publish(context.Background(), ev); err != nil {
				t.Fatal(err)
			}

			evs := f.events.waitFor(t, func(evs []event.Event) bool { return countType(evs, tt.want) == 1 })
			for _, got := range evs {
				if got.Type == tt.want && tt.check != nil {
					tt.check(t, got)
				}
			}
		})
	}
}

func TestDispatcher_RepeatedPhaseRepublishesCompletion(t *testing.T) {
	var calls atomic.Int32
	reg := worker.NewRegistry()
	reg.Register("strategist", worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		calls.Add(1)
		return job.Result{}, nil
	}))
	f := newDispatchFixture(t, testDispatchConfig(), reg, nil, nil)

	for i := range 2 {
		ev := event.New(event.TypePhaseStarted, "p1", "r1")
		ev.Phase = job.PhasePlan
		if err := f.bridge.Publish(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
		f.events.waitFor(t, func(evs []event.Event) bool {
			return countType(evs, event.TypeSpecCreated) == i+1
		})
	}
	if calls.Load() != 1 {
		t.Fatalf("phase jobs ran %d times, want 1", calls.Load())
	}
}

func TestDispatcher_CancelledRunIgnoresLateResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	reg := worker.NewRegistry()
	reg.Register("strategist", worker.Func(func(context.Context, job.Spec) (job.Result, error) {
		started <- struct{}{}
		<-release
		return job.Result{}, nil
	}))
	f := newDispatchFixture(t, testDispatchConfig(), reg, nil, nil)
	defer close(release)

	ev := event.New(event.TypePhaseStarted, "p1", "r1")
	ev.Phase = job.PhasePlan
	if err := f.bridge.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	if err := f.bridge.Publish(context.Background(), event.New(event.TypeWorkflowCancelled, "p1", "r1")); err != nil {
		t.Fatal(err)
	}
	waitCancelled(t, f.d, "r1")
	release <- struct{}{}

	// A waiting job of the cancelled run is skipped without running.
	id, err := f.d.Enqueue(context.Background(), job.Spec{AgentID: "strategist", ProjectID: "p1", RunID: "r1", Phase: job.PhasePlan})
	if err != nil {
		t.Fatal(err)
	}
	if rec := f.waitTerminal(t, id); rec.Status != job.StatusSkipped {
		t.Fatalf("expected skipped, got %s", rec.Status)
	}

	time.Sleep(50 * time.Millisecond)
	evs := f.events.all()
	if countType(evs, event.TypeSpecCreated) != 0 || countType(evs, event.AgentCompleted("strategist")) != 0 {
		t.Fatalf("late results must be ignored, got %d events", len(evs))
	}
}

func TestDispatcher_Prune(t *testing.T) {
	d := NewDispatcher(testDispatchConfig(), worker.NewRegistry(), nil, nil, nil, nil)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	d.records = map[string]*job.Record{
		"old-done":   {Status: job.StatusCompleted, FinishedAt: now.Add(-2 * time.Hour)},
		"new-done":   {Status: job.StatusCompleted, FinishedAt: now.Add(-30 * time.Minute)},
		"old-failed": {Status: job.StatusFailed, FinishedAt: now.Add(-25 * time.Hour)},
		"new-failed": {Status: job.StatusFailed, FinishedAt: now.Add(-2 * time.Hour)},
		"waiting":    {Status: job.StatusWaiting},
	}

	if removed := d.prune(now); removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	for _, id := range []string{"new-done", "new-failed", "waiting"} {
		if _, err := d.Job(id); err != nil {
			t.Errorf("%s should be retained: %v", id, err)
		}
	}
	if _, err := d.Job("old-done"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("old-done should be pruned, got %v", err)
	}
}

func TestEvaluateValidation(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]json.RawMessage
		want    bool
	}{
		{"explicit pass", map[string]json.RawMessage{"qa": json.RawMessage(`{"passed":true}`)}, true},
		{"no verdict no findings", map[string]json.RawMessage{"qa": json.RawMessage(`{}`)}, true},
		{"no verdict with findings", map[string]json.RawMessage{"qa": json.RawMessage(`{"findings":[1]}`)}, false},
		{"one of two fails", map[string]json.RawMessage{
			"qa":   json.RawMessage(`{"passed":true}`),
			"a11y": json.RawMessage(`{"passed":false}`),
		}, false},
		{"garbage", map[string]json.RawMessage{"qa": json.RawMessage(`"ok"`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := evaluateValidation(tt.results); got != tt.want {
				t.Errorf("passed = %v, want %v", got, tt.want)
			}
		})
	}
}

func waitCancelled(t *testing.T, d *Dispatcher, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		_, ok := d.cancelled[runID]
		d.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s never marked cancelled", runID)
}
