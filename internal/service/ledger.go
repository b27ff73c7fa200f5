package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/port/cache"
	"github.com/Strob0t/SiteForge/internal/port/database"
	"github.com/Strob0t/SiteForge/internal/resilience"
)

// LedgerService is the single writer of usage. The durable store is the
// source of truth; the cache only speeds up advisory reads.
type LedgerService struct {
	store    database.LedgerStore
	cache    cache.Cache
	breaker  *resilience.Breaker
	cacheTTL time.Duration
}

// NewLedgerService creates a ledger. c and br may be nil, which disables
// the fast cache or the breaker respectively.
func NewLedgerService(store database.LedgerStore, c cache.Cache, br *resilience.Breaker, cacheTTL time.Duration) *LedgerService {
	return &LedgerService{store: store, cache: c, breaker: br, cacheTTL: cacheTTL}
}

// RecordUsage appends rec and increments its four aggregates in one durable
// transaction, then refreshes the cache best-effort. Cache failures never
// fail the call.
func (s *LedgerService) RecordUsage(ctx context.Context, rec *budget.UsageRecord) (map[budget.Scope]budget.Totals, error) {
	totals, err := s.store.AppendUsage(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}

	for sc, t := range totals {
		if err := s.cacheSet(ctx, sc, t); err != nil {
			slog.Warn("budget cache write failed", "key", sc.CacheKey(), "error", err)
		}
	}
	return totals, nil
}

// Totals reads the authoritative aggregate for a scope.
func (s *LedgerService) Totals(ctx context.Context, scope budget.Scope) (budget.Totals, error) {
	t, err := s.store.UsageTotals(ctx, scope)
	if err != nil {
		return budget.Totals{}, fmt.Errorf("usage totals: %w", err)
	}
	return t, nil
}

// CachedTotals reads a scope from the cache, falling back to the durable
// store and backfilling the cache on a miss. The result is advisory.
func (s *LedgerService) CachedTotals(ctx context.Context, scope budget.Scope) (budget.Totals, error) {
	if s.cache != nil {
		var (
			data  []byte
			found bool
		)
		err := s.guard(func() error {
			var err error
			data, found, err = s.cache.Get(ctx, scope.CacheKey())
			return err
		})
		if err == nil && found {
			var t budget.Totals
			if err := json.Unmarshal(data, &t); err == nil {
				return t, nil
			}
		}
	}

	t, err := s.Totals(ctx, scope)
	if err != nil {
		return budget.Totals{}, err
	}
	if err := s.cacheSet(ctx, scope, t); err != nil {
		slog.Debug("budget cache backfill failed", "key", scope.CacheKey(), "error", err)
	}
	return t, nil
}

// Breakdown groups a tenant's usage by agent.
func (s *LedgerService) Breakdown(ctx context.Context, tenantID string, window budget.Window) ([]budget.AgentCost, error) {
	out, err := s.store.CostBreakdown(ctx, tenantID, window)
	if err != nil {
		return nil, fmt.Errorf("cost breakdown: %w", err)
	}
	return out, nil
}

// PurgeCache drops every cached aggregate. Durable usage is untouched.
func (s *LedgerService) PurgeCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Purge(ctx, budget.CachePrefix); err != nil {
		return fmt.Errorf("purge budget cache: %w", err)
	}
	return nil
}

func (s *LedgerService) cacheSet(ctx context.Context, sc budget.Scope, t budget.Totals) error {
	if s.cache == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.guard(func() error {
		return s.cache.Set(ctx, sc.CacheKey(), data, s.cacheTTL)
	})
}

func (s *LedgerService) guard(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(fn)
}
