package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sfotel "github.com/Strob0t/SiteForge/internal/adapter/otel"
	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/port/database"
	"github.com/Strob0t/SiteForge/internal/port/notifier"
)

// CheckRequest is a proposed unit of work to be gated. A nil Limits uses
// the configured limits of the tenant.
type CheckRequest struct {
	TenantID        string         `json:"tenant_id"`
	ProjectID       string         `json:"project_id"`
	RunID           string         `json:"run_id,omitempty"`
	EstimatedCost   budget.Money   `json:"estimated_cost_usd"`
	EstimatedTokens int64          `json:"estimated_tokens"`
	Limits          *budget.Limits `json:"limits,omitempty"`
}

// Validate checks the request fields.
func (r *CheckRequest) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required: %w", domain.ErrValidation)
	}
	if r.EstimatedCost < 0 || r.EstimatedTokens < 0 {
		return fmt.Errorf("estimates must not be negative: %w", domain.ErrValidation)
	}
	return nil
}

// LimitsFunc resolves the configured limits for a tenant.
type LimitsFunc func(tenantID string) budget.Limits

// BudgetService decides whether work may start and raises budget alerts.
// Decisions always read the durable ledger.
type BudgetService struct {
	ledger  *LedgerService
	store   database.LedgerStore
	notify  *NotificationService
	limits  LimitsFunc
	metrics *sfotel.Metrics
	now     func() time.Time

	alerts sync.WaitGroup
}

// NewBudgetService creates the enforcement engine. notify and metrics may be nil.
func NewBudgetService(ledger *LedgerService, store database.LedgerStore, notify *NotificationService, limits LimitsFunc, metrics *sfotel.Metrics) *BudgetService {
	if limits == nil {
		limits = func(string) budget.Limits { return budget.Limits{} }
	}
	return &BudgetService{
		ledger:  ledger,
		store:   store,
		notify:  notify,
		limits:  limits,
		metrics: metrics,
		now:     time.Now,
	}
}

// CheckBudget projects current usage plus the estimate against every
// configured ceiling. A system violation takes precedence over a monthly
// one; workflow and execution ceilings can only add denials. The returned
// status reflects current usage, not the projection.
func (s *BudgetService) CheckBudget(ctx context.Context, req CheckRequest) (budget.Decision, error) {
	if err := req.Validate(); err != nil {
		return budget.Decision{}, err
	}
	ctx, span := sfotel.StartBudgetCheckSpan(ctx, req.TenantID)
	defer span.End()

	limits := s.limits(req.TenantID)
	if req.Limits != nil {
		limits = *req.Limits
	}
	now := s.now().UTC()
	estimate := budget.Totals{Cost: req.EstimatedCost, Tokens: req.EstimatedTokens}

	monthly, err := s.ledger.Totals(ctx, budget.TenantScope(req.TenantID, now))
	if err != nil {
		return budget.Decision{}, err
	}
	tenantStatus := budget.ComputeStatus(monthly, limits.Monthly)

	var system budget.Totals
	if limits.System != nil {
		if system, err = s.ledger.Totals(ctx, budget.SystemScope(now)); err != nil {
			return budget.Decision{}, err
		}
	}

	decision := budget.Decision{Allowed: true, Status: tenantStatus}
	switch {
	case limits.System.Violation(system.Add(estimate)) != "":
		decision = budget.Decision{
			Reason: "system budget: " + limits.System.Violation(system.Add(estimate)),
			Scope:  budget.ScopeSystem,
			Status: budget.ComputeStatus(system, limits.System),
		}
	case limits.Monthly.Violation(monthly.Add(estimate)) != "":
		decision = budget.Decision{
			Reason: "monthly budget: " + limits.Monthly.Violation(monthly.Add(estimate)),
			Scope:  budget.ScopeTenant,
			Status: tenantStatus,
		}
	default:
		if d, denied, err := s.checkRunScopes(ctx, req, limits, estimate, tenantStatus); err != nil {
			return budget.Decision{}, err
		} else if denied {
			decision = d
		}
	}

	switch {
	case !decision.Allowed:
		s.metrics.BudgetDenied(ctx, string(decision.Scope))
		slog.Info("budget check denied", "tenant_id", req.TenantID, "project_id", req.ProjectID,
			"scope", decision.Scope, "reason", decision.Reason)
		typ := budget.AlertExceeded
		if decision.Scope == budget.ScopeSystem {
			typ = budget.AlertSystemExceeded
		}
		s.SendBudgetAlert(ctx, req.TenantID, typ, decision.Status)
	case budget.ProjectedPercent(monthly, estimate, limits.Monthly) > budget.NearingLimitPercent:
		s.SendBudgetAlert(ctx, req.TenantID, budget.AlertNearingLimit, tenantStatus)
	}
	return decision, nil
}

func (s *BudgetService) checkRunScopes(ctx context.Context, req CheckRequest, limits budget.Limits, estimate budget.Totals, st budget.Status) (budget.Decision, bool, error) {
	if req.RunID != "" && limits.PerWorkflow != nil {
		used, err := s.ledger.Totals(ctx, budget.WorkflowScope(req.RunID))
		if err != nil {
			return budget.Decision{}, false, err
		}
		if v := limits.PerWorkflow.Violation(used.Add(estimate)); v != "" {
			return budget.Decision{Reason: "workflow budget: " + v, Scope: budget.ScopeWorkflow, Status: st}, true, nil
		}
	}
	if v := limits.PerExecution.Violation(estimate); v != "" {
		return budget.Decision{Reason: "execution budget: " + v, Scope: budget.ScopeExecution, Status: st}, true, nil
	}
	return budget.Decision{}, false, nil
}

// SendBudgetAlert writes an audit entry and emits a warning. It never fails;
// delivery happens in the background.
func (s *BudgetService) SendBudgetAlert(ctx context.Context, tenantID string, typ budget.AlertType, status budget.Status) {
	alert := budget.Alert{TenantID: tenantID, Type: typ, Status: status, CreatedAt: s.now().UTC()}
	slog.Warn("budget alert", "tenant_id", tenantID, "type", typ,
		"percent_used", status.PercentUsed, "used", status.Used.String())

	ctx = context.WithoutCancel(ctx)
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		if err := s.store.AppendBudgetAlert(ctx, &alert); err != nil {
			slog.Error("budget alert audit failed", "tenant_id", tenantID, "type", typ, "error", err)
		}
		s.notify.Notify(ctx, alertNotification(&alert))
	}()
}

// Flush waits for in-flight alerts to be written and delivered.
func (s *BudgetService) Flush() {
	s.alerts.Wait()
}

func alertNotification(a *budget.Alert) notifier.Notification {
	fields := map[string]string{
		"tenant":  a.TenantID,
		"used":    "$" + a.Status.Used.String(),
		"percent": fmt.Sprintf("%.1f%%", a.Status.PercentUsed),
	}
	if a.Status.Limit != nil {
		fields["limit"] = "$" + a.Status.Limit.String()
	}

	title := "Budget nearing limit"
	switch a.Type {
	case budget.AlertExceeded:
		title = "Budget exceeded"
	case budget.AlertSystemExceeded:
		title = "System budget exceeded"
	}
	return notifier.Notification{
		Title:   title,
		Message: fmt.Sprintf("Tenant %s is at %.1f%% of its budget.", a.TenantID, a.Status.PercentUsed),
		Level:   notifier.LevelWarning,
		Source:  "budget." + string(a.Type),
		Fields:  fields,
	}
}

// Status reports the tenant's current-month status from the fast cache.
func (s *BudgetService) Status(ctx context.Context, tenantID string) (budget.Status, error) {
	if tenantID == "" {
		return budget.Status{}, fmt.Errorf("tenant_id is required: %w", domain.ErrValidation)
	}
	used, err := s.ledger.CachedTotals(ctx, budget.TenantScope(tenantID, s.now()))
	if err != nil {
		return budget.Status{}, err
	}
	return budget.ComputeStatus(used, s.limits(tenantID).Monthly), nil
}

// CostBreakdown groups a tenant's usage by agent within the window.
func (s *BudgetService) CostBreakdown(ctx context.Context, tenantID string, window budget.Window) ([]budget.AgentCost, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required: %w", domain.ErrValidation)
	}
	if !window.From.IsZero() && !window.To.IsZero() && !window.From.Before(window.To) {
		return nil, fmt.Errorf("window from must be before to: %w", domain.ErrValidation)
	}
	return s.ledger.Breakdown(ctx, tenantID, window)
}

// ResetMonthlyBudgets clears cached aggregates. The durable ledger is never
// touched; a new month simply starts a new aggregate row. Idempotent.
func (s *BudgetService) ResetMonthlyBudgets(ctx context.Context) error {
	if err := s.ledger.PurgeCache(ctx); err != nil {
		return err
	}
	slog.Info("monthly budget cache reset")
	return nil
}

// StartResetSchedule runs ResetMonthlyBudgets at the start of every UTC
// month until ctx is cancelled.
func (s *BudgetService) StartResetSchedule(ctx context.Context) {
	go func() {
		for {
			next := nextMonthStart(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := s.ResetMonthlyBudgets(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduled budget reset failed", "error", err)
			}
		}
	}()
}

// nextMonthStart returns the first instant of the UTC month after t.
func nextMonthStart(t time.Time) time.Time {
	return budget.MonthStart(t).AddDate(0, 1, 0)
}
