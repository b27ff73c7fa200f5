package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/job"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
	"github.com/Strob0t/SiteForge/internal/middleware"
	"github.com/Strob0t/SiteForge/internal/service"
)

// Handlers holds the services behind the REST API.
type Handlers struct {
	Workflows  *service.OrchestratorService
	Budget     *service.BudgetService
	Dispatcher *service.Dispatcher
}

// --- Workflow Endpoints ---

// StartWorkflow handles POST /api/v1/workflows. A run denied by the
// planning budget is reported with 402 and its failed state.
func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.StartRequest](w, r)
	if !ok {
		return
	}
	if req.TenantID == "" {
		req.TenantID = middleware.TenantIDFromContext(r.Context())
	}

	st, err := h.Workflows.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	if st.Phase == workflow.PhaseFailed && st.FailureReason == workflow.ReasonBudget {
		writeJSON(w, http.StatusPaymentRequired, st)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	handleList(h.Workflows.List)(w, r)
}

// GetWorkflow handles GET /api/v1/workflows/{projectId}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	handleGet("projectId", h.Workflows.Get, "workflow not found")(w, r)
}

// CancelWorkflow handles POST /api/v1/workflows/{projectId}/cancel
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	handleGet("projectId", h.Workflows.Cancel, "workflow not found")(w, r)
}

// --- Budget Endpoints ---

// CheckBudget handles POST /api/v1/budget/check. A denial is a normal
// decision and is returned with 200.
func (h *Handlers) CheckBudget(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CheckRequest](w, r)
	if !ok {
		return
	}
	if req.TenantID == "" {
		req.TenantID = middleware.TenantIDFromContext(r.Context())
	}

	decision, err := h.Budget.CheckBudget(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// TenantCosts handles GET /api/v1/tenants/{tenantId}/costs?from=&to=
func (h *Handlers) TenantCosts(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	costs, err := h.Budget.CostBreakdown(r.Context(), urlParam(r, "tenantId"), budget.Window{From: from, To: to})
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	if costs == nil {
		costs = []budget.AgentCost{}
	}
	writeJSON(w, http.StatusOK, costs)
}

// TenantBudget handles GET /api/v1/tenants/{tenantId}/budget
func (h *Handlers) TenantBudget(w http.ResponseWriter, r *http.Request) {
	st, err := h.Budget.Status(r.Context(), urlParam(r, "tenantId"))
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResetBudgets handles POST /api/v1/admin/budgets/reset
func (h *Handlers) ResetBudgets(w http.ResponseWriter, r *http.Request) {
	if err := h.Budget.ResetMonthlyBudgets(r.Context()); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// --- Dispatcher Endpoints ---

// DispatcherHealth handles GET /api/v1/dispatcher/health
func (h *Handlers) DispatcherHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Dispatcher.Health())
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	handleGet("id", func(_ context.Context, id string) (*job.Record, error) {
		return h.Dispatcher.Job(id)
	}, "job not found")(w, r)
}
