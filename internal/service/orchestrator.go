package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	sfotel "github.com/Strob0t/SiteForge/internal/adapter/otel"
	"github.com/Strob0t/SiteForge/internal/config"
	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
	"github.com/Strob0t/SiteForge/internal/logger"
	"github.com/Strob0t/SiteForge/internal/port/database"
	"github.com/Strob0t/SiteForge/internal/port/notifier"
)

var (
	errUserCancelled = errors.New(workflow.CancelledMessage)
	errPhaseTimeout  = errors.New("phase timed out")
)

// StartRequest starts a workflow run for a project.
type StartRequest struct {
	ProjectID string          `json:"project_id"`
	TenantID  string          `json:"tenant_id"`
	Input     json.RawMessage `json:"input,omitempty"`
	Limits    *budget.Limits  `json:"limits,omitempty"`
}

// Validate checks the request fields.
func (r *StartRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("project_id is required: %w", domain.ErrValidation)
	}
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required: %w", domain.ErrValidation)
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return fmt.Errorf("input must be valid JSON: %w", domain.ErrValidation)
	}
	return nil
}

// activeRun is the in-process claim on a project. ctx and cancel are set
// once in reserve and never reassigned.
type activeRun struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// OrchestratorService drives one state machine per project through
// plan, synthesize, the validate/fix loop and deploy. Each run is owned by
// a single goroutine; every transition is persisted.
type OrchestratorService struct {
	cfg      config.Workflow
	planning config.Estimate
	store    database.WorkflowStore
	budget   *BudgetService
	bridge   *EventBridge
	notify   *NotificationService
	metrics  *sfotel.Metrics
	now      func() time.Time

	admission *semaphore.Weighted
	waiters   *syncWaiter[event.Event]

	mu      sync.Mutex
	active  map[string]*activeRun // projectID -> run
	baseCtx context.Context
	unsub   func()
	runs    sync.WaitGroup
}

// NewOrchestratorService creates an orchestrator. notify and metrics may be nil.
func NewOrchestratorService(
	cfg config.Workflow,
	planning config.Estimate,
	store database.WorkflowStore,
	budgetSvc *BudgetService,
	bridge *EventBridge,
	notify *NotificationService,
	metrics *sfotel.Metrics,
) *OrchestratorService {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if cfg.BaseFixBudget < 1 {
		cfg.BaseFixBudget = workflow.DefaultBaseFixBudget
	}
	return &OrchestratorService{
		cfg:       cfg,
		planning:  planning,
		store:     store,
		budget:    budgetSvc,
		bridge:    bridge,
		notify:    notify,
		metrics:   metrics,
		now:       time.Now,
		admission: semaphore.NewWeighted(int64(max(cfg.MaxActive, 1))),
		waiters:   newSyncWaiter[event.Event]("workflow"),
		active:    make(map[string]*activeRun),
		baseCtx:   context.Background(),
	}
}

// Listen feeds bridged events to suspended runs. Runs started afterwards
// live until ctx is cancelled.
func (s *OrchestratorService) Listen(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.unsub = s.bridge.Subscribe(">", func(_ context.Context, ev event.Event) {
		s.waiters.deliver(&ev)
	})
}

// Wait blocks until every run goroutine has returned.
func (s *OrchestratorService) Wait() {
	s.runs.Wait()
	if s.unsub != nil {
		s.unsub()
	}
}

// Start creates a run, gates the planning phase on the budget and hands the
// run to its own goroutine. A denied budget returns the failed state
// without error.
func (s *OrchestratorService) Start(ctx context.Context, req StartRequest) (*workflow.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	run, err := s.reserve(req.ProjectID)
	if err != nil {
		return nil, err
	}

	st := workflow.New(req.ProjectID, req.TenantID, uuid.NewString(), s.cfg.MaxIterations, s.now().UTC())
	st.Input = req.Input
	if err := s.store.CreateWorkflow(ctx, st); err != nil {
		s.release(req.ProjectID, run)
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	ctx = logger.WithWorkflow(ctx, st.ProjectID, st.RunID)
	s.metrics.WorkflowStarted(ctx)

	if reason, denied := s.checkPlanningBudget(ctx, req); denied {
		st.Fail(workflow.ReasonBudget, reason, s.now().UTC())
		if err := s.store.SaveWorkflow(ctx, st); err != nil {
			slog.ErrorContext(ctx, "persist budget failure", "error", err)
		}
		s.release(req.ProjectID, run)
		s.finished(ctx, st)
		return st, nil
	}

	created := s.newEvent(event.TypeProjectCreated, st)
	created.Input = st.Input
	if err := s.bridge.Publish(ctx, created); err != nil {
		slog.WarnContext(ctx, "publish project.created", "error", err)
	}

	slog.InfoContext(ctx, "workflow started", "tenant_id", st.TenantID)
	snapshot := st.Clone()
	s.launch(st, run)
	return snapshot, nil
}

func (s *OrchestratorService) checkPlanningBudget(ctx context.Context, req StartRequest) (string, bool) {
	if s.budget == nil {
		return "", false
	}
	dec, err := s.budget.CheckBudget(ctx, CheckRequest{
		TenantID:        req.TenantID,
		ProjectID:       req.ProjectID,
		EstimatedCost:   s.planning.CostUSD,
		EstimatedTokens: s.planning.Tokens,
		Limits:          req.Limits,
	})
	if err != nil {
		// Without a decision the run cannot be admitted.
		return "budget check unavailable: " + err.Error(), true
	}
	if !dec.Allowed {
		return dec.Reason, true
	}
	return "", false
}

// reserve claims the in-memory concurrency key for a project.
func (s *OrchestratorService) reserve(projectID string) (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[projectID]; busy {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrWorkflowActive)
	}
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	run := &activeRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.active[projectID] = run
	return run, nil
}

func (s *OrchestratorService) release(projectID string, run *activeRun) {
	s.mu.Lock()
	if s.active[projectID] == run {
		delete(s.active, projectID)
	}
	s.mu.Unlock()
	run.cancel(nil)
	close(run.done)
}

// launch runs st to a terminal phase on its own goroutine.
func (s *OrchestratorService) launch(st *workflow.State, run *activeRun) {
	ctx := logger.WithWorkflow(run.ctx, st.ProjectID, st.RunID)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.release(st.ProjectID, run)

		if err := s.admission.Acquire(ctx, 1); err != nil {
			s.interrupted(ctx, st)
			return
		}
		defer s.admission.Release(1)
		if ctx.Err() != nil {
			s.interrupted(ctx, st)
			return
		}
		s.drive(ctx, st)
	}()
}

// drive advances st until it is terminal or the run is interrupted.
func (s *OrchestratorService) drive(ctx context.Context, st *workflow.State) {
	for !st.Phase.IsTerminal() {
		var err error
		switch st.Phase {
		case workflow.PhaseInitializing:
			err = s.transition(ctx, st, workflow.PhasePlanning)
		case workflow.PhasePlanning:
			err = s.stepPlanning(ctx, st)
		case workflow.PhaseSynthesizing:
			err = s.stepSynthesizing(ctx, st)
		case workflow.PhaseValidating:
			err = s.stepValidating(ctx, st)
		case workflow.PhaseFixing:
			err = s.stepFixing(ctx, st)
		case workflow.PhaseDeploying:
			err = s.stepDeploying(ctx, st)
		default:
			err = fmt.Errorf("unknown phase %q", st.Phase)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			s.interrupted(ctx, st)
			return
		}
		if errors.Is(err, errPersist) {
			slog.ErrorContext(ctx, "workflow halted, state not persisted", "phase", st.Phase, "error", err)
			return
		}
		s.fail(ctx, st, workflow.ReasonInternal, err.Error())
	}
	s.finished(ctx, st)
}

// interrupted handles a run whose context ended: a user cancel fails the
// run, a shutdown leaves it for Recover.
func (s *OrchestratorService) interrupted(ctx context.Context, st *workflow.State) {
	if !errors.Is(context.Cause(ctx), errUserCancelled) {
		slog.InfoContext(ctx, "workflow suspended by shutdown", "phase", st.Phase)
		return
	}
	s.markCancelled(context.WithoutCancel(ctx), st)
}

func (s *OrchestratorService) markCancelled(ctx context.Context, st *workflow.State) {
	st.Fail(workflow.ReasonCancelled, workflow.CancelledMessage, s.now().UTC())
	if err := s.store.SaveWorkflow(ctx, st); err != nil {
		slog.ErrorContext(ctx, "persist cancellation", "error", err)
	}
	if err := s.bridge.Publish(ctx, s.newEvent(event.TypeWorkflowCancelled, st)); err != nil {
		slog.WarnContext(ctx, "publish workflow.cancelled", "error", err)
	}
	s.metrics.WorkflowFinished(ctx, false, string(workflow.ReasonCancelled))
	slog.InfoContext(ctx, "workflow cancelled")
}

// Cancel force-fails a project's run. Cancelling a terminal run returns it
// unchanged.
func (s *OrchestratorService) Cancel(ctx context.Context, projectID string) (*workflow.State, error) {
	for {
		s.mu.Lock()
		run := s.active[projectID]
		s.mu.Unlock()

		if run != nil {
			run.cancel(errUserCancelled)
			select {
			case <-run.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return s.Get(ctx, projectID)
		}

		// Nobody in this process owns the run (e.g. before Recover). Claim
		// the project so a concurrent Start cannot slip in.
		claim, err := s.reserve(projectID)
		if err != nil {
			continue
		}
		st, err := s.cancelUnowned(ctx, projectID)
		s.release(projectID, claim)
		return st, err
	}
}

func (s *OrchestratorService) cancelUnowned(ctx context.Context, projectID string) (*workflow.State, error) {
	st, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if st.Phase.IsTerminal() {
		return st, nil
	}
	s.markCancelled(ctx, st)
	return st, nil
}

// Get returns the latest run of a project.
func (s *OrchestratorService) Get(ctx context.Context, projectID string) (*workflow.State, error) {
	st, err := s.store.GetWorkflow(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", projectID, err)
	}
	return st, nil
}

// List returns the latest run of every project.
func (s *OrchestratorService) List(ctx context.Context) ([]workflow.State, error) {
	return s.store.ListWorkflows(ctx)
}

// Recover resumes every persisted non-terminal run from its current phase.
func (s *OrchestratorService) Recover(ctx context.Context) (int, error) {
	states, err := s.store.ListActiveWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}
	resumed := 0
	for i := range states {
		st := states[i]
		run, err := s.reserve(st.ProjectID)
		if err != nil {
			continue
		}
		if st.Phase == workflow.PhaseInitializing && s.denyResumedPlanning(ctx, &st) {
			s.release(st.ProjectID, run)
			continue
		}
		slog.Info("resuming workflow", "project_id", st.ProjectID, "run_id", st.RunID, "phase", st.Phase)
		s.launch(&st, run)
		resumed++
	}
	return resumed, nil
}

// denyResumedPlanning repeats the planning gate for a run that never left
// initializing. Limits from the original request are not persisted, so the
// tenant's configured limits apply.
func (s *OrchestratorService) denyResumedPlanning(ctx context.Context, st *workflow.State) bool {
	ctx = logger.WithWorkflow(ctx, st.ProjectID, st.RunID)
	reason, denied := s.checkPlanningBudget(ctx, StartRequest{ProjectID: st.ProjectID, TenantID: st.TenantID})
	if !denied {
		return false
	}
	st.Fail(workflow.ReasonBudget, reason, s.now().UTC())
	if err := s.store.SaveWorkflow(ctx, st); err != nil {
		slog.ErrorContext(ctx, "persist budget failure", "error", err)
	}
	s.finished(ctx, st)
	return true
}

// Active reports the number of runs owned by this process.
func (s *OrchestratorService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *OrchestratorService) newEvent(t event.Type, st *workflow.State) event.Event {
	ev := event.New(t, st.ProjectID, st.RunID)
	ev.TenantID = st.TenantID
	ev.Iteration = st.Iteration
	return ev
}

// finished publishes the terminal outcome of st.
func (s *OrchestratorService) finished(ctx context.Context, st *workflow.State) {
	if st.FailureReason == workflow.ReasonCancelled {
		return
	}
	completed := st.Phase == workflow.PhaseCompleted
	s.metrics.WorkflowFinished(ctx, completed, string(st.FailureReason))

	typ := event.TypeWorkflowFailed
	n := notifier.Notification{
		Title:   "Workflow failed",
		Message: fmt.Sprintf("Project %s failed (%s): %s", st.ProjectID, st.FailureReason, st.LastError()),
		Level:   notifier.LevelError,
		Source:  string(event.TypeWorkflowFailed),
		Fields:  map[string]string{"project": st.ProjectID, "run": st.RunID},
	}
	if completed {
		typ = event.TypeWorkflowCompleted
		n.Title = "Workflow completed"
		n.Message = fmt.Sprintf("Project %s deployed after %d iteration(s).", st.ProjectID, st.Iteration+1)
		n.Level = notifier.LevelInfo
		n.Source = string(event.TypeWorkflowCompleted)
	}

	ev := s.newEvent(typ, st)
	ev.URLs = st.DeploymentURLs
	ev.Findings = st.Findings
	ev.Error = st.LastError()
	ev.ErrorKind = string(st.FailureReason)
	if err := s.bridge.Publish(context.WithoutCancel(ctx), ev); err != nil {
		slog.WarnContext(ctx, "publish workflow outcome", "type", typ, "error", err)
	}
	s.notify.Notify(context.WithoutCancel(ctx), n)
	slog.InfoContext(ctx, "workflow finished", "phase", st.Phase, "reason", st.FailureReason, "iterations", st.Iteration+1)
}

func (s *OrchestratorService) fail(ctx context.Context, st *workflow.State, reason workflow.FailureReason, msg string) {
	slog.WarnContext(ctx, "workflow failing", "phase", st.Phase, "reason", reason, "error", msg)
	st.Fail(reason, msg, s.now().UTC())
	if err := s.store.SaveWorkflow(context.WithoutCancel(ctx), st); err != nil {
		slog.ErrorContext(ctx, "persist failure", "error", err)
	}
}

// errPersist marks an error from the workflow store.
var errPersist = errors.New("persist workflow")

func (s *OrchestratorService) transition(ctx context.Context, st *workflow.State, to workflow.Phase) error {
	if err := st.Transition(to, s.now().UTC()); err != nil {
		return err
	}
	if err := s.store.SaveWorkflow(ctx, st); err != nil {
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	slog.InfoContext(ctx, "workflow transition", "phase", to, "iteration", st.Iteration)
	return nil
}

// awaitEvent publishes trigger and suspends until an event of one of the
// given types arrives for the run and satisfies match, or timeout elapses.
// The waiter is registered before publishing so fast completions are not
// missed; duplicates after the first match are dropped.
func (s *OrchestratorService) awaitEvent(ctx context.Context, st *workflow.State, trigger event.Event, types []event.Type, match func(*event.Event) bool, timeout time.Duration) (*event.Event, error) {
	id := uuid.NewString()
	ch := s.waiters.register(id, func(ev *event.Event) bool {
		return ev.ProjectID == st.ProjectID && ev.RunID == st.RunID &&
			slices.Contains(types, ev.Type) && (match == nil || match(ev))
	})
	defer s.waiters.unregister(id)

	if err := s.bridge.Publish(ctx, trigger); err != nil {
		return nil, fmt.Errorf("publish %s: %w", trigger.Type, err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case ev := <-ch:
		return ev, nil
	case <-expired:
		return nil, fmt.Errorf("%w: no %v within %s", errPhaseTimeout, types, timeout)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
