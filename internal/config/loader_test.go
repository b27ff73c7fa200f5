package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/job"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}

	want := map[job.Tier][2]int{
		job.TierStrategy: {4, 10},
		job.TierBuild:    {10, 50},
		job.TierQuality:  {5, 20},
	}
	for tier, w := range want {
		tc := cfg.Dispatch.Tiers[tier]
		if tc.Concurrency != w[0] || tc.RateLimit.Max != w[1] || tc.RateLimit.Window != time.Minute {
			t.Errorf("tier %s = %+v, want concurrency %d rate %d/min", tier, tc, w[0], w[1])
		}
	}
	if cfg.Workflow.MaxIterations != 5 || cfg.Workflow.BaseFixBudget != 10 {
		t.Errorf("unexpected workflow defaults: %+v", cfg.Workflow)
	}
	if cfg.Workflow.PlanTimeout != 30*time.Minute || cfg.Workflow.SynthesisTimeout != 2*time.Hour {
		t.Errorf("unexpected timeouts: %+v", cfg.Workflow)
	}
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
mode: standalone
server:
  port: "9090"
logging:
  level: "debug"
budget:
  limits:
    monthly:
      max_cost_usd: 250.50
      max_tokens: 1000000
    system:
      max_cost_usd: "5000"
  tenants:
    acme:
      monthly:
        max_cost_usd: 10
dispatch:
  tiers:
    build:
      concurrency: 2
      rate_limit:
        max: 5
        window: 30s
      queue_size: 8
  assignments:
    seo-auditor: quality
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Mode != ModeStandalone || cfg.Server.Port != "9090" || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected overrides: mode=%s port=%s level=%s", cfg.Mode, cfg.Server.Port, cfg.Logging.Level)
	}
	if got := *cfg.Budget.Limits.Monthly.MaxCost; got != budget.Money(250_500_000) {
		t.Errorf("monthly cost = %s, want 250.50", got)
	}
	if got := *cfg.Budget.Limits.Monthly.MaxTokens; got != 1_000_000 {
		t.Errorf("monthly tokens = %d", got)
	}
	if got := *cfg.Budget.Limits.System.MaxCost; got != budget.USD(5000) {
		t.Errorf("system cost = %s", got)
	}
	if got := *cfg.Budget.LimitsFor("acme").Monthly.MaxCost; got != budget.USD(10) {
		t.Errorf("acme monthly = %s, want 10.00", got)
	}
	if cfg.Budget.LimitsFor("acme").System == nil {
		t.Error("tenant override should keep unspecified scopes")
	}

	build := cfg.Dispatch.Tiers[job.TierBuild]
	if build.Concurrency != 2 || build.RateLimit.Max != 5 || build.RateLimit.Window != 30*time.Second {
		t.Errorf("build tier = %+v", build)
	}
	if cfg.Dispatch.Assignments.Resolve("seo-auditor") != job.TierQuality {
		t.Error("yaml assignment should be merged into defaults")
	}
	if cfg.Dispatch.Assignments.Resolve("strategist") != job.TierStrategy {
		t.Error("default assignments should survive a yaml merge")
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("SITEFORGE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("SITEFORGE_LOG_LEVEL", "warn")
	t.Setenv("SITEFORGE_BUDGET_MONTHLY_USD", "42.5")
	t.Setenv("SITEFORGE_BUDGET_SYSTEM_USD", "9000")
	t.Setenv("SITEFORGE_TIER_QUALITY_CONCURRENCY", "7")
	t.Setenv("SITEFORGE_WF_MAX_ITERATIONS", "3")
	t.Setenv("SITEFORGE_WF_PLAN_TIMEOUT", "5m")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("unexpected DSN: %s", cfg.Postgres.DSN)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}
	if *cfg.Budget.Limits.Monthly.MaxCost != budget.Money(42_500_000) {
		t.Errorf("monthly = %s", *cfg.Budget.Limits.Monthly.MaxCost)
	}
	if cfg.Budget.Limits.System == nil || *cfg.Budget.Limits.System.MaxCost != budget.USD(9000) {
		t.Error("system ceiling should be created from env")
	}
	if cfg.Dispatch.Tiers[job.TierQuality].Concurrency != 7 {
		t.Errorf("quality concurrency = %d", cfg.Dispatch.Tiers[job.TierQuality].Concurrency)
	}
	if cfg.Workflow.MaxIterations != 3 || cfg.Workflow.PlanTimeout != 5*time.Minute {
		t.Errorf("workflow = %+v", cfg.Workflow)
	}
}

func TestEnvRemovesCeiling(t *testing.T) {
	cfg := Defaults()
	t.Setenv("SITEFORGE_BUDGET_MONTHLY_USD", "none")
	loadEnv(&cfg)
	if cfg.Budget.Limits.Monthly != nil {
		t.Error("\"none\" should remove the monthly ceiling")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "cluster" }},
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"zero concurrency", func(c *Config) {
			tc := c.Dispatch.Tiers[job.TierBuild]
			tc.Concurrency = 0
			c.Dispatch.Tiers[job.TierBuild] = tc
		}},
		{"missing phase agents", func(c *Config) { delete(c.Dispatch.Phases, job.PhaseDeploy) }},
		{"zero iterations", func(c *Config) { c.Workflow.MaxIterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := Defaults()
	cfg.Mode = ModeStandalone
	cfg.Postgres.DSN = ""
	if err := validate(&cfg); err != nil {
		t.Errorf("standalone mode should not need a DSN: %v", err)
	}
}
