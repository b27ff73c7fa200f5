package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/SiteForge/internal/adapter/memory"
	sfnats "github.com/Strob0t/SiteForge/internal/adapter/nats"
	"github.com/Strob0t/SiteForge/internal/adapter/natskv"
	"github.com/Strob0t/SiteForge/internal/adapter/postgres"
	"github.com/Strob0t/SiteForge/internal/adapter/ristretto"
	"github.com/Strob0t/SiteForge/internal/adapter/tiered"
	"github.com/Strob0t/SiteForge/internal/config"
	"github.com/Strob0t/SiteForge/internal/port/cache"
	"github.com/Strob0t/SiteForge/internal/port/database"
	"github.com/Strob0t/SiteForge/internal/port/messagequeue"
	"github.com/Strob0t/SiteForge/internal/resilience"
)

// infra bundles the backing stores selected by the configured mode.
type infra struct {
	store   database.Store
	queue   messagequeue.Queue
	cache   cache.Cache
	breaker *resilience.Breaker

	pool    *pgxpool.Pool // nil in standalone mode
	nats    *sfnats.Queue // nil in standalone mode
	closers []func()
}

// openInfra connects to PostgreSQL, NATS and the budget cache, or builds
// in-process equivalents in standalone mode. migrate applies pending
// migrations before the store is used.
func openInfra(ctx context.Context, cfg *config.Config, migrate bool) (*infra, error) {
	inf := &infra{
		breaker: resilience.NewBreaker("budget-cache", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	inf.closers = append(inf.closers, l1.Close)

	if cfg.Mode == config.ModeStandalone {
		q := memory.NewQueue()
		inf.closers = append(inf.closers, func() { _ = q.Close() })
		inf.store = memory.NewStore()
		inf.queue = q
		inf.cache = l1
		slog.Info("standalone mode, state is kept in memory")
		return inf, nil
	}

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		inf.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	inf.pool = pool
	inf.closers = append(inf.closers, pool.Close)
	slog.Info("postgres connected")

	if migrate {
		if err := postgres.RunMigrations(ctx, cfg.Postgres); err != nil {
			inf.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
	}
	inf.store = postgres.NewStore(pool)

	// NATS
	q, err := sfnats.Connect(ctx, cfg.NATS.URL, sfnats.Options{Stream: cfg.NATS.Stream, MaxAge: cfg.NATS.MaxAge})
	if err != nil {
		inf.Close()
		return nil, fmt.Errorf("nats: %w", err)
	}
	inf.nats = q
	inf.queue = q
	inf.closers = append(inf.closers, func() {
		if err := q.Drain(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("nats drain", "error", err)
		}
	})

	kv, err := q.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		inf.Close()
		return nil, fmt.Errorf("budget cache bucket: %w", err)
	}
	inf.cache = tiered.New(l1, natskv.New(kv), cfg.Cache.L1TTL)
	return inf, nil
}

// Close releases resources in reverse order of acquisition.
func (i *infra) Close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
	i.closers = nil
}
