package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/job"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "siteforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("SITEFORGE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Mode, "SITEFORGE_MODE")
	setString(&cfg.Server.Port, "SITEFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "SITEFORGE_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimit, "SITEFORGE_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "SITEFORGE_RATE_BURST")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SITEFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SITEFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SITEFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SITEFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SITEFORGE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "SITEFORGE_NATS_STREAM")
	setDuration(&cfg.NATS.WorkerTimeout, "SITEFORGE_WORKER_TIMEOUT")
	setBool(&cfg.NATS.RemoteWorkers, "SITEFORGE_REMOTE_WORKERS")

	setInt64(&cfg.Cache.L1MaxSizeMB, "SITEFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SITEFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "SITEFORGE_CACHE_L2_TTL")

	setString(&cfg.Logging.Level, "SITEFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SITEFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SITEFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "SITEFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SITEFORGE_BREAKER_TIMEOUT")

	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "SITEFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRatio, "SITEFORGE_OTEL_SAMPLE_RATIO")

	// Budget
	setCeilingCost(&cfg.Budget.Limits.Monthly, "SITEFORGE_BUDGET_MONTHLY_USD")
	setCeilingCost(&cfg.Budget.Limits.System, "SITEFORGE_BUDGET_SYSTEM_USD")
	setCeilingCost(&cfg.Budget.Limits.PerWorkflow, "SITEFORGE_BUDGET_WORKFLOW_USD")
	setCeilingCost(&cfg.Budget.Limits.PerExecution, "SITEFORGE_BUDGET_EXECUTION_USD")
	setBool(&cfg.Budget.ResetSchedule, "SITEFORGE_BUDGET_RESET_SCHEDULE")

	// Dispatch
	for _, t := range job.Tiers {
		tc, ok := cfg.Dispatch.Tiers[t]
		if !ok {
			continue
		}
		prefix := "SITEFORGE_TIER_" + tierEnvName(t)
		setInt(&tc.Concurrency, prefix+"_CONCURRENCY")
		setInt(&tc.RateLimit.Max, prefix+"_RATE_MAX")
		setDuration(&tc.RateLimit.Window, prefix+"_RATE_WINDOW")
		cfg.Dispatch.Tiers[t] = tc
	}
	setInt(&cfg.Dispatch.MaxAttempts, "SITEFORGE_DISPATCH_MAX_ATTEMPTS")
	setDuration(&cfg.Dispatch.BaseBackoff, "SITEFORGE_DISPATCH_BASE_BACKOFF")

	// Workflow
	setInt(&cfg.Workflow.MaxIterations, "SITEFORGE_WF_MAX_ITERATIONS")
	setInt(&cfg.Workflow.BaseFixBudget, "SITEFORGE_WF_BASE_FIX_BUDGET")
	setInt(&cfg.Workflow.MaxActive, "SITEFORGE_WF_MAX_ACTIVE")
	setDuration(&cfg.Workflow.PlanTimeout, "SITEFORGE_WF_PLAN_TIMEOUT")
	setDuration(&cfg.Workflow.SynthesisTimeout, "SITEFORGE_WF_SYNTHESIS_TIMEOUT")
	setDuration(&cfg.Workflow.ValidationTimeout, "SITEFORGE_WF_VALIDATION_TIMEOUT")
	setDuration(&cfg.Workflow.FixTimeout, "SITEFORGE_WF_FIX_TIMEOUT")
	setDuration(&cfg.Workflow.DeployTimeout, "SITEFORGE_WF_DEPLOY_TIMEOUT")

	setString(&cfg.Notify.SlackWebhookURL, "SITEFORGE_SLACK_WEBHOOK_URL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeDistributed:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case ModeStandalone:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeDistributed, ModeStandalone, cfg.Mode)
	}
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be >= 1 when rate_limit is set")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}

	for _, t := range job.Tiers {
		tc, ok := cfg.Dispatch.Tiers[t]
		if !ok {
			return fmt.Errorf("dispatch.tiers.%s is required", t)
		}
		if tc.Concurrency < 1 {
			return fmt.Errorf("dispatch.tiers.%s.concurrency must be >= 1", t)
		}
		if tc.RateLimit.Max < 1 || tc.RateLimit.Window <= 0 {
			return fmt.Errorf("dispatch.tiers.%s.rate_limit needs max >= 1 and a positive window", t)
		}
		if tc.QueueSize < 1 {
			return fmt.Errorf("dispatch.tiers.%s.queue_size must be >= 1", t)
		}
	}
	for _, p := range []job.Phase{job.PhasePlan, job.PhaseSynthesize, job.PhaseValidate, job.PhaseDeploy} {
		if len(cfg.Dispatch.Phases[p]) == 0 {
			return fmt.Errorf("dispatch.phases.%s needs at least one agent", p)
		}
	}
	if len(cfg.Dispatch.FixAgents) == 0 {
		return errors.New("dispatch.fix_agents needs at least one agent")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts must be >= 1")
	}

	if cfg.Workflow.MaxIterations < 1 {
		return errors.New("workflow.max_iterations must be >= 1")
	}
	if cfg.Workflow.BaseFixBudget < 1 {
		return errors.New("workflow.base_fix_budget must be >= 1")
	}
	if cfg.Workflow.MaxActive < 1 {
		return errors.New("workflow.max_active must be >= 1")
	}
	return nil
}

func tierEnvName(t job.Tier) string {
	switch t {
	case job.TierStrategy:
		return "STRATEGY"
	case job.TierQuality:
		return "QUALITY"
	default:
		return "BUILD"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setCeilingCost replaces the cost cap of a ceiling, creating the ceiling
// if needed. "none" removes the ceiling entirely.
func setCeilingCost(dst **budget.Ceiling, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if v == "none" {
		*dst = nil
		return
	}
	m, err := budget.ParseMoney(v)
	if err != nil {
		return
	}
	c := budget.Ceiling{}
	if *dst != nil {
		c = **dst
	}
	c.MaxCost = &m
	*dst = &c
}
