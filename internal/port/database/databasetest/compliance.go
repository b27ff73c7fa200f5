// Package databasetest provides a compliance suite shared by store adapters.
package databasetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
	"github.com/Strob0t/SiteForge/internal/port/database"
)

// Run runs the standard compliance suite against any Store. Every subtest
// uses fresh ids so the suite can run against a shared database.
func Run(t *testing.T, s database.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("ConcurrentAppendsDoNotLoseUpdates", func(t *testing.T) {
		tenant := "tenant-" + uuid.NewString()
		run := uuid.NewString()
		now := time.Now().UTC()

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendUsage(ctx, &budget.UsageRecord{
					TenantID: tenant, ProjectID: "p", RunID: run, JobID: uuid.NewString(),
					AgentID: "copywriter", Cost: budget.USD(5), Tokens: 100, CreatedAt: now,
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("AppendUsage: %v", err)
			}
		}

		for _, sc := range []budget.Scope{budget.TenantScope(tenant, now), budget.WorkflowScope(run)} {
			got, err := s.UsageTotals(ctx, sc)
			if err != nil {
				t.Fatal(err)
			}
			if got.Cost != budget.USD(10) || got.Tokens != 200 {
				t.Errorf("%s totals = %+v, want $10.00 / 200", sc.Kind, got)
			}
		}
	})

	t.Run("AppendReturnsAggregates", func(t *testing.T) {
		tenant := "tenant-" + uuid.NewString()
		job := uuid.NewString()
		now := time.Now().UTC()
		rec := &budget.UsageRecord{TenantID: tenant, ProjectID: "p", JobID: job, Cost: budget.Cents(150), Tokens: 7, CreatedAt: now}
		totals, err := s.AppendUsage(ctx, rec)
		if err != nil {
			t.Fatal(err)
		}
		if rec.ID == "" {
			t.Error("AppendUsage should assign an id")
		}
		if got := totals[budget.ExecutionScope(job)]; got.Cost != budget.Cents(150) {
			t.Errorf("execution totals = %+v", got)
		}
		if _, ok := totals[budget.SystemScope(now)]; !ok {
			t.Error("system scope missing from returned totals")
		}
		if _, ok := totals[budget.WorkflowScope("")]; ok {
			t.Error("record without run id must not touch a workflow scope")
		}
	})

	t.Run("RejectsNegativeCost", func(t *testing.T) {
		_, err := s.AppendUsage(ctx, &budget.UsageRecord{TenantID: "t", Cost: -1})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("UnknownScopeIsZero", func(t *testing.T) {
		got, err := s.UsageTotals(ctx, budget.WorkflowScope(uuid.NewString()))
		if err != nil {
			t.Fatal(err)
		}
		if got != (budget.Totals{}) {
			t.Errorf("expected zero totals, got %+v", got)
		}
	})

	t.Run("CostBreakdown", func(t *testing.T) {
		tenant := "tenant-" + uuid.NewString()
		base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		add := func(agent string, cost budget.Money, at time.Time) {
			t.Helper()
			_, err := s.AppendUsage(ctx, &budget.UsageRecord{TenantID: tenant, ProjectID: "p",
				JobID: uuid.NewString(), AgentID: agent, Cost: cost, Tokens: 10, CreatedAt: at})
			if err != nil {
				t.Fatal(err)
			}
		}
		add("page-builder", budget.USD(2), base)
		add("page-builder", budget.USD(3), base.Add(time.Hour))
		add("copywriter", budget.USD(1), base)
		add("copywriter", budget.USD(9), base.Add(48*time.Hour))

		all, err := s.CostBreakdown(ctx, tenant, budget.Window{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 || all[0].AgentID != "copywriter" || all[0].TotalCost != budget.USD(10) {
			t.Fatalf("unexpected breakdown %+v", all)
		}
		if all[1].ExecutionCount != 2 || all[1].TotalTokens != 20 {
			t.Errorf("page-builder row = %+v", all[1])
		}

		windowed, err := s.CostBreakdown(ctx, tenant, budget.Window{From: base, To: base.Add(24 * time.Hour)})
		if err != nil {
			t.Fatal(err)
		}
		if len(windowed) != 2 || windowed[0].AgentID != "page-builder" || windowed[0].TotalCost != budget.USD(5) {
			t.Fatalf("unexpected windowed breakdown %+v", windowed)
		}
	})

	t.Run("BudgetAlert", func(t *testing.T) {
		alert := &budget.Alert{TenantID: "t", Type: budget.AlertNearingLimit,
			Status: budget.ComputeStatus(budget.Totals{Cost: budget.USD(850)}, budget.NewCeiling(budget.USD(1000)))}
		if err := s.AppendBudgetAlert(ctx, alert); err != nil {
			t.Fatal(err)
		}
		if alert.ID == "" {
			t.Error("expected alert id")
		}
	})

	t.Run("WorkflowLifecycle", func(t *testing.T) {
		project := "proj-" + uuid.NewString()
		now := time.Now().UTC().Truncate(time.Millisecond)
		st := workflow.New(project, "t", uuid.NewString(), 5, now)
		if err := s.CreateWorkflow(ctx, st); err != nil {
			t.Fatal(err)
		}
		if st.Version != 1 {
			t.Fatalf("version = %d, want 1", st.Version)
		}

		second := workflow.New(project, "t", uuid.NewString(), 5, now)
		if err := s.CreateWorkflow(ctx, second); !errors.Is(err, domain.ErrWorkflowActive) {
			t.Fatalf("expected ErrWorkflowActive, got %v", err)
		}

		stale := *st
		if err := st.Transition(workflow.PhasePlanning, now); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveWorkflow(ctx, st); err != nil {
			t.Fatal(err)
		}
		if st.Version != 2 {
			t.Errorf("version after save = %d, want 2", st.Version)
		}
		if err := s.SaveWorkflow(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("stale save should conflict, got %v", err)
		}

		got, err := s.GetWorkflow(ctx, project)
		if err != nil {
			t.Fatal(err)
		}
		if got.Phase != workflow.PhasePlanning || got.RunID != st.RunID {
			t.Errorf("got %+v", got)
		}

		active, err := s.ListActiveWorkflows(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !containsRun(active, st.RunID) {
			t.Error("running workflow missing from active list")
		}

		st.Fail(workflow.ReasonCancelled, workflow.CancelledMessage, now)
		if err := s.SaveWorkflow(ctx, st); err != nil {
			t.Fatal(err)
		}
		active, _ = s.ListActiveWorkflows(ctx)
		if containsRun(active, st.RunID) {
			t.Error("failed workflow still listed as active")
		}

		// A terminal run frees the project for a new one.
		next := workflow.New(project, "t", uuid.NewString(), 5, now.Add(time.Second))
		next.CreatedAt = now.Add(time.Second)
		if err := s.CreateWorkflow(ctx, next); err != nil {
			t.Fatalf("restart after failure: %v", err)
		}
		got, _ = s.GetWorkflow(ctx, project)
		if got.RunID != next.RunID {
			t.Errorf("GetWorkflow should return the newest run, got %s", got.RunID)
		}
		all, err := s.ListWorkflows(ctx)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, w := range all {
			if w.ProjectID == project {
				n++
			}
		}
		if n != 1 {
			t.Errorf("ListWorkflows returned %d runs for the project, want 1", n)
		}
	})

	t.Run("GetWorkflowNotFound", func(t *testing.T) {
		if _, err := s.GetWorkflow(ctx, "missing-"+uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func containsRun(states []workflow.State, runID string) bool {
	for i := range states {
		if states[i].RunID == runID {
			return true
		}
	}
	return false
}
