package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	sfhttp "github.com/Strob0t/SiteForge/internal/adapter/http"
	sfnats "github.com/Strob0t/SiteForge/internal/adapter/nats"
	sfotel "github.com/Strob0t/SiteForge/internal/adapter/otel"
	"github.com/Strob0t/SiteForge/internal/adapter/slack"
	"github.com/Strob0t/SiteForge/internal/adapter/ws"
	"github.com/Strob0t/SiteForge/internal/config"
	"github.com/Strob0t/SiteForge/internal/logger"
	"github.com/Strob0t/SiteForge/internal/middleware"
	"github.com/Strob0t/SiteForge/internal/port/notifier"
	"github.com/Strob0t/SiteForge/internal/port/worker"
	"github.com/Strob0t/SiteForge/internal/service"
)

func main() {
	var err error
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		err = run()
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "admin":
		err = runAdmin(os.Args[2:])
	case "help", "--help", "-h":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: siteforge [command]

Commands:
  serve     Run the core service (default)
  migrate   Apply or inspect database migrations (up, down, version)
  admin     Administrative tasks (reset-budgets, costs)
`)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"mode", cfg.Mode,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOTEL, err := sfotel.Setup(ctx, cfg.OTEL, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := sfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	inf, err := openInfra(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer inf.Close()

	// --- Services ---
	var notifiers []notifier.Notifier
	if cfg.Notify.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.NewNotifier(cfg.Notify.SlackWebhookURL))
	}
	notify := service.NewNotificationService(notifiers, cfg.Notify.Events)

	hub := ws.NewHub(wsOrigins(cfg.Server.CORSOrigin)...)
	bridge := service.NewEventBridge(inf.queue, hub)
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("event bridge: %w", err)
	}
	defer bridge.Stop()

	ledger := service.NewLedgerService(inf.store, inf.cache, inf.breaker, cfg.Cache.L2TTL)
	budgetSvc := service.NewBudgetService(ledger, inf.store, notify, cfg.Budget.LimitsFor, metrics)
	defer budgetSvc.Flush()
	if cfg.Budget.ResetSchedule {
		budgetSvc.StartResetSchedule(ctx)
	}

	registry := worker.NewRegistry()
	if cfg.NATS.RemoteWorkers {
		remote := sfnats.NewRemoteWorker(inf.queue, cfg.NATS.WorkerTimeout)
		registry.Fallback = func(string) worker.Worker { return remote }
	}

	dispatcher := service.NewDispatcher(cfg.Dispatch, registry, budgetSvc, ledger, bridge, metrics)
	dispatcher.Start(ctx)

	orch := service.NewOrchestratorService(cfg.Workflow, cfg.Budget.PlanningEstimate, inf.store, budgetSvc, bridge, notify, metrics)
	orch.Listen(ctx)
	recovered, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}
	slog.Info("services started", "recovered_workflows", recovered, "notifiers", notify.NotifierCount())

	// --- HTTP ---
	handlers := &sfhttp.Handlers{
		Workflows:  orch,
		Budget:     budgetSvc,
		Dispatcher: dispatcher,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(sfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(sfhttp.SecurityHeaders)
	r.Use(sfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(sfotel.HTTPMiddleware(cfg.Logging.Service))
	if cfg.Server.RateLimit > 0 {
		rl := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		rl.StartCleanup(ctx, time.Minute, 10*time.Minute)
		r.Use(rl.Handler)
	}

	// Health endpoint with service status
	r.Get("/health", healthHandler(cfg, inf, orch, hub, closeLog))

	// WebSocket endpoint
	r.Get("/ws", hub.HandleWS)

	// API routes
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		sfhttp.MountRoutes(r, handlers)
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		stop()
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	// Running workflows keep their persisted state and resume via Recover.
	orch.Wait()
	if err := dispatcher.Wait(); err != nil {
		slog.Warn("dispatcher stopped with error", "error", err)
	}
	return serveErr
}

// wsOrigins converts the CORS origin into a websocket origin pattern.
func wsOrigins(corsOrigin string) []string {
	if corsOrigin == "" || corsOrigin == "*" {
		return nil
	}
	host, ok := strings.CutPrefix(corsOrigin, "https://")
	if !ok {
		host, _ = strings.CutPrefix(corsOrigin, "http://")
	}
	return []string{host}
}

// healthHandler returns an http.HandlerFunc that reports service health.
func healthHandler(cfg *config.Config, inf *infra, orch *service.OrchestratorService, hub *ws.Hub, logs logger.Closer) http.HandlerFunc {
	type healthStatus struct {
		Status          string `json:"status"`
		Mode            string `json:"mode"`
		Postgres        string `json:"postgres"`
		NATS            string `json:"nats"`
		ActiveWorkflows int    `json:"active_workflows"`
		WSConnections   int    `json:"ws_connections"`
		WSDropped       int64  `json:"ws_dropped"`
		LogDropped      int64  `json:"log_dropped"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:          "ok",
			Mode:            cfg.Mode,
			Postgres:        "n/a",
			NATS:            "n/a",
			ActiveWorkflows: orch.Active(),
			WSConnections:   hub.ConnectionCount(),
			WSDropped:       hub.DroppedCount(),
			LogDropped:      logs.Dropped(),
		}
		code := http.StatusOK

		if inf.pool != nil {
			status.Postgres = "ok"
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := inf.pool.Ping(ctx)
			cancel()
			if err != nil {
				status.Postgres = "unavailable"
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		if inf.nats != nil {
			status.NATS = "ok"
			if !inf.nats.IsConnected() {
				status.NATS = "disconnected"
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
