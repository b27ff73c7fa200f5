package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	sfotel "github.com/Strob0t/SiteForge/internal/adapter/otel"
	"github.com/Strob0t/SiteForge/internal/config"
	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/domain/job"
	"github.com/Strob0t/SiteForge/internal/port/worker"
)

// ErrQueueFull is returned by Enqueue when the job's tier queue has no room.
var ErrQueueFull = errors.New("dispatcher: tier queue is full")

const janitorInterval = time.Minute

// TierHealth is a point-in-time snapshot of one pool.
type TierHealth struct {
	Waiting     int `json:"waiting"`
	Active      int `json:"active"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Concurrency int `json:"concurrency"`
}

type pool struct {
	tier    job.Tier
	cfg     config.Tier
	queue   chan job.Spec
	limiter *rate.Limiter
}

func newPool(tier job.Tier, cfg config.Tier) *pool {
	limit := rate.Inf
	if cfg.RateLimit.Max > 0 && cfg.RateLimit.Window > 0 {
		limit = rate.Every(cfg.RateLimit.Window / time.Duration(cfg.RateLimit.Max))
	}
	return &pool{
		tier:    tier,
		cfg:     cfg,
		queue:   make(chan job.Spec, max(cfg.QueueSize, 1)),
		limiter: rate.NewLimiter(limit, max(cfg.RateLimit.Max, 1)),
	}
}

// Dispatcher runs jobs on three independently limited worker pools.
type Dispatcher struct {
	cfg      config.Dispatch
	registry *worker.Registry
	budget   *BudgetService
	ledger   *LedgerService
	bridge   *EventBridge
	metrics  *sfotel.Metrics
	now      func() time.Time

	pools map[job.Tier]*pool

	mu        sync.Mutex
	records   map[string]*job.Record
	batches   map[string]*batch
	jobBatch  map[string]string    // job id -> batch key
	cancelled map[string]time.Time // run id -> cancellation time

	runCtx  context.Context
	group   *errgroup.Group
	pending sync.WaitGroup // scheduled retries
	unsubs  []func()
}

// NewDispatcher creates a dispatcher. budget, ledger, bridge and metrics
// may be nil; the corresponding gate, accounting or events are skipped.
func NewDispatcher(cfg config.Dispatch, registry *worker.Registry, budgetSvc *BudgetService, ledger *LedgerService, bridge *EventBridge, metrics *sfotel.Metrics) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = job.DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = job.DefaultBaseBackoff
	}
	d := &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		budget:    budgetSvc,
		ledger:    ledger,
		bridge:    bridge,
		metrics:   metrics,
		now:       time.Now,
		pools:     make(map[job.Tier]*pool, len(job.Tiers)),
		records:   make(map[string]*job.Record),
		batches:   make(map[string]*batch),
		jobBatch:  make(map[string]string),
		cancelled: make(map[string]time.Time),
		runCtx:    context.Background(),
	}
	for _, t := range job.Tiers {
		d.pools[t] = newPool(t, cfg.Tiers[t])
	}
	return d
}

// Start launches the pool workers, the janitor and the phase subscriptions.
// Everything stops when ctx is cancelled; call Wait to join.
func (d *Dispatcher) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	d.mu.Lock()
	d.runCtx = gctx
	d.group = g
	d.mu.Unlock()

	for _, t := range job.Tiers {
		p := d.pools[t]
		for range max(p.cfg.Concurrency, 1) {
			g.Go(func() error { return d.runWorker(gctx, p) })
		}
	}
	g.Go(func() error {
		d.janitor(gctx)
		return nil
	})

	if d.bridge != nil {
		d.unsubs = append(d.unsubs,
			d.bridge.Subscribe(string(event.TypePhaseStarted), d.onPhaseStarted),
			d.bridge.Subscribe(string(event.TypeFixRequested), d.onPhaseStarted),
			d.bridge.Subscribe(string(event.TypeWorkflowCancelled), d.onWorkflowCancelled),
		)
	}
	slog.Info("dispatcher started", "tiers", len(d.pools))
}

// Wait blocks until every worker and scheduled retry has exited.
func (d *Dispatcher) Wait() error {
	for _, u := range d.unsubs {
		u()
	}
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	var err error
	if g != nil {
		err = g.Wait()
	}
	d.pending.Wait()
	return err
}

// Enqueue records the job as waiting and pushes it onto its tier's queue.
func (d *Dispatcher) Enqueue(_ context.Context, spec job.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("enqueue: %w: %w", domain.ErrValidation, err)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	tier := d.cfg.Assignments.Resolve(spec.AgentID)
	p := d.pools[tier]

	d.mu.Lock()
	if _, exists := d.records[spec.ID]; exists {
		d.mu.Unlock()
		return "", fmt.Errorf("enqueue %s: %w", spec.ID, domain.ErrConflict)
	}
	d.records[spec.ID] = &job.Record{
		Spec:       spec,
		Tier:       tier,
		Status:     job.StatusWaiting,
		EnqueuedAt: d.now().UTC(),
	}
	d.mu.Unlock()

	select {
	case p.queue <- spec:
	default:
		d.mu.Lock()
		delete(d.records, spec.ID)
		d.mu.Unlock()
		return "", fmt.Errorf("enqueue %s on %s: %w", spec.AgentID, tier, ErrQueueFull)
	}
	slog.Debug("job enqueued", "job_id", spec.ID, "agent_id", spec.AgentID, "tier", tier, "run_id", spec.RunID)
	return spec.ID, nil
}

// Job returns a copy of the job's audit record.
func (d *Dispatcher) Job(id string) (*job.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// Health reports per-tier job counts. It has no side effects.
func (d *Dispatcher) Health() map[job.Tier]TierHealth {
	out := make(map[job.Tier]TierHealth, len(d.pools))
	for t, p := range d.pools {
		out[t] = TierHealth{Concurrency: max(p.cfg.Concurrency, 1)}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.records {
		h := out[rec.Tier]
		switch rec.Status {
		case job.StatusWaiting:
			h.Waiting++
		case job.StatusActive:
			h.Active++
		case job.StatusCompleted:
			h.Completed++
		case job.StatusFailed:
			h.Failed++
		}
		out[rec.Tier] = h
	}
	return out
}

func (d *Dispatcher) runWorker(ctx context.Context, p *pool) error {
	for {
		var spec job.Spec
		select {
		case <-ctx.Done():
			return nil
		case spec = <-p.queue:
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		d.process(ctx, p, spec)
	}
}

// process runs one attempt of spec and settles its outcome.
func (d *Dispatcher) process(ctx context.Context, p *pool, spec job.Spec) {
	if !d.begin(spec) {
		return
	}

	err := d.gate(ctx, p, spec)
	var res job.Result
	if err == nil {
		res, err = d.execute(ctx, p, spec)
	}
	// Failed attempts may still have spent money.
	d.recordCost(context.WithoutCancel(ctx), spec, res)
	if ctx.Err() != nil {
		d.interrupt(spec)
		return
	}
	d.settle(ctx, p, spec, res, err)
}

// interrupt returns an active record to waiting when shutdown cuts its
// attempt short; the attempt is neither a success nor a failure.
func (d *Dispatcher) interrupt(spec job.Spec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[spec.ID]
	if !ok || rec.Status != job.StatusActive {
		return
	}
	rec.Status = job.StatusWaiting
	rec.Attempts = max(rec.Attempts-1, 0)
	slog.Info("job attempt interrupted by shutdown", "job_id", spec.ID, "agent_id", spec.AgentID)
}

// begin marks the record active. Jobs of a cancelled run are skipped.
func (d *Dispatcher) begin(spec job.Spec) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[spec.ID]
	if !ok {
		return false
	}
	if _, cancelled := d.cancelled[spec.RunID]; cancelled {
		rec.Status = job.StatusSkipped
		rec.FinishedAt = d.now().UTC()
		slog.Info("job skipped for cancelled run", "job_id", spec.ID, "run_id", spec.RunID)
		return false
	}
	rec.Spec = spec
	rec.Status = job.StatusActive
	rec.Attempts++
	rec.StartedAt = d.now().UTC()
	return true
}

// gate checks the attempt's estimated cost against the budget engine.
func (d *Dispatcher) gate(ctx context.Context, p *pool, spec job.Spec) error {
	if d.budget == nil || spec.TenantID == "" {
		return nil
	}
	dec, err := d.budget.CheckBudget(ctx, CheckRequest{
		TenantID:        spec.TenantID,
		ProjectID:       spec.ProjectID,
		RunID:           spec.RunID,
		EstimatedCost:   p.cfg.Estimate.CostUSD,
		EstimatedTokens: p.cfg.Estimate.Tokens,
	})
	if err != nil {
		return job.NewError(job.KindNetwork, fmt.Errorf("budget check: %w", err))
	}
	if !dec.Allowed {
		return job.NewError(job.KindBudget, fmt.Errorf("%w: %s", domain.ErrBudgetExceeded, dec.Reason))
	}
	return nil
}

type attemptOutcome struct {
	res job.Result
	err error
}

// execute invokes the agent's worker, abandoning the attempt if it does not
// return within the tier's stall timeout.
func (d *Dispatcher) execute(ctx context.Context, p *pool, spec job.Spec) (job.Result, error) {
	w, ok := d.registry.Lookup(spec.AgentID)
	if !ok {
		return job.Result{}, job.Errorf(job.KindValidation, "no worker registered for agent %q", spec.AgentID)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	attemptCtx, span := sfotel.StartJobSpan(attemptCtx, spec.ID, spec.AgentID, string(p.tier), spec.Context.RetryCount+1)
	defer span.End()

	done := make(chan attemptOutcome, 1)
	go func() {
		res, err := w.Execute(attemptCtx, spec)
		done <- attemptOutcome{res: res, err: err}
	}()

	var stall <-chan time.Time
	if p.cfg.StallTimeout > 0 {
		t := time.NewTimer(p.cfg.StallTimeout)
		defer t.Stop()
		stall = t.C
	}

	select {
	case o := <-done:
		if o.err != nil {
			span.RecordError(o.err)
		}
		return o.res, o.err
	case <-stall:
		return job.Result{}, job.Errorf(job.KindStalled, "no result within %s", p.cfg.StallTimeout)
	case <-ctx.Done():
		return job.Result{}, job.NewError(job.KindCancelled, ctx.Err())
	}
}

func (d *Dispatcher) recordCost(ctx context.Context, spec job.Spec, res job.Result) {
	if d.ledger == nil || spec.TenantID == "" || (res.CostUSD <= 0 && res.Tokens <= 0) {
		return
	}
	rec := &budget.UsageRecord{
		TenantID:  spec.TenantID,
		ProjectID: spec.ProjectID,
		RunID:     spec.RunID,
		JobID:     spec.ID,
		AgentID:   spec.AgentID,
		Cost:      budget.FromFloat(res.CostUSD),
		Tokens:    res.Tokens,
		CreatedAt: d.now().UTC(),
	}
	if _, err := d.ledger.RecordUsage(ctx, rec); err != nil {
		slog.Error("job cost not recorded", "job_id", spec.ID, "agent_id", spec.AgentID,
			"cost", rec.Cost.String(), "error", err)
		return
	}
	d.metrics.JobCostRecorded(ctx, spec.AgentID, res.CostUSD)
}

// settle decides between completion, retry, requeue and terminal failure.
func (d *Dispatcher) settle(ctx context.Context, p *pool, spec job.Spec, res job.Result, err error) {
	d.mu.Lock()
	rec, ok := d.records[spec.ID]
	if !ok {
		d.mu.Unlock()
		return
	}
	_, runCancelled := d.cancelled[spec.RunID]
	now := d.now().UTC()

	if err == nil {
		rec.Status = job.StatusCompleted
		rec.Result = &res
		rec.Error, rec.ErrorKind = "", ""
		rec.FinishedAt = now
		attempts := rec.Attempts
		d.mu.Unlock()

		d.metrics.JobFinished(ctx, string(p.tier), "")
		slog.Info("job completed", "job_id", spec.ID, "agent_id", spec.AgentID, "attempts", attempts)
		if !runCancelled {
			d.publishAgentEvent(ctx, spec, &res, nil)
		}
		d.jobSettled(ctx, spec, &res, nil)
		return
	}

	kind := job.KindOf(err)
	rec.Error = err.Error()
	rec.ErrorKind = kind.String()

	switch {
	case runCancelled:
		rec.Status = job.StatusSkipped
		rec.FinishedAt = now
		d.mu.Unlock()
		return

	case kind == job.KindStalled && rec.Stalls == 0 && rec.Attempts < d.cfg.MaxAttempts:
		rec.Stalls++
		rec.Status = job.StatusWaiting
		d.mu.Unlock()
		slog.Warn("job stalled, requeueing", "job_id", spec.ID, "agent_id", spec.AgentID)
		d.schedule(p, spec, 0)
		return

	case kind.Retryable() && rec.Attempts < d.cfg.MaxAttempts:
		attempt := rec.Attempts
		delay := job.Backoff(d.cfg.BaseBackoff, attempt)
		rec.Status = job.StatusWaiting
		d.mu.Unlock()
		d.metrics.JobRetried(ctx, string(p.tier))
		slog.Warn("job attempt failed, retrying", "job_id", spec.ID, "agent_id", spec.AgentID,
			"attempt", attempt, "kind", kind, "delay", delay, "error", err)
		d.schedule(p, spec.Retry(), delay)
		return
	}

	if kind == job.KindStalled {
		rec.Stalls++
	}
	rec.Status = job.StatusFailed
	rec.FinishedAt = now
	attempts := rec.Attempts
	d.mu.Unlock()

	d.metrics.JobFinished(ctx, string(p.tier), kind.String())
	slog.Error("job failed", "job_id", spec.ID, "agent_id", spec.AgentID,
		"attempts", attempts, "kind", kind, "error", err)
	d.publishAgentEvent(ctx, spec, nil, err)
	d.jobSettled(ctx, spec, nil, err)
}

// schedule pushes spec back onto its pool after delay.
func (d *Dispatcher) schedule(p *pool, spec job.Spec, delay time.Duration) {
	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
		select {
		case p.queue <- spec:
		case <-ctx.Done():
		}
	}()
}

func (d *Dispatcher) publishAgentEvent(ctx context.Context, spec job.Spec, res *job.Result, err error) {
	if d.bridge == nil {
		return
	}
	typ := event.AgentCompleted(spec.AgentID)
	if err != nil {
		typ = event.AgentFailed(spec.AgentID)
	}
	ev := event.New(typ, spec.ProjectID, spec.RunID)
	ev.TenantID = spec.TenantID
	ev.Phase = spec.Phase
	ev.Iteration = spec.Iteration
	ev.AgentID = spec.AgentID
	ev.JobID = spec.ID
	if res != nil && len(res.Output) > 0 {
		ev.Results = map[string]json.RawMessage{spec.AgentID: res.Output}
	}
	if err != nil {
		ev.Error = err.Error()
		ev.ErrorKind = job.KindOf(err).String()
	}
	if perr := d.bridge.Publish(ctx, ev); perr != nil {
		slog.Error("publish agent event", "type", typ, "job_id", spec.ID, "error", perr)
	}
}

func (d *Dispatcher) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.prune(d.now())
		}
	}
}

// prune drops terminal records past their retention and forgets finished
// batches and old cancellations.
func (d *Dispatcher) prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, rec := range d.records {
		var keep time.Duration
		switch rec.Status {
		case job.StatusCompleted:
			keep = d.cfg.RetainCompleted
		case job.StatusFailed, job.StatusSkipped:
			keep = d.cfg.RetainFailed
		default:
			continue
		}
		if now.Sub(rec.FinishedAt) > keep {
			delete(d.records, id)
			delete(d.jobBatch, id)
			removed++
		}
	}
	for key, b := range d.batches {
		if b.done && now.Sub(b.finishedAt) > d.cfg.RetainFailed {
			delete(d.batches, key)
		}
	}
	for run, at := range d.cancelled {
		if now.Sub(at) > d.cfg.RetainFailed {
			delete(d.cancelled, run)
		}
	}
	if removed > 0 {
		slog.Debug("dispatcher pruned records", "removed", removed)
	}
	return removed
}
