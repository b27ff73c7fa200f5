package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/SiteForge/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.TenantID)

		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Workflows
		r.Get("/workflows", h.ListWorkflows)
		r.Post("/workflows", h.StartWorkflow)
		r.Get("/workflows/{projectId}", h.GetWorkflow)
		r.Post("/workflows/{projectId}/cancel", h.CancelWorkflow)

		// Budget
		r.Post("/budget/check", h.CheckBudget)
		r.Get("/tenants/{tenantId}/costs", h.TenantCosts)
		r.Get("/tenants/{tenantId}/budget", h.TenantBudget)
		r.Post("/admin/budgets/reset", h.ResetBudgets)

		// Dispatcher
		r.Get("/dispatcher/health", h.DispatcherHealth)
		r.Get("/jobs/{id}", h.GetJob)
	})
}
