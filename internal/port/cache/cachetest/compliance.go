// Package cachetest provides a compliance suite shared by cache adapters.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/SiteForge/internal/port/cache"
)

// Run runs the standard compliance test suite against any Cache implementation.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "budget.tenant.t1.2026-10", []byte("v"), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "budget.tenant.t1.2026-10")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != "v" {
			t.Fatalf("expected v, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "nonexistent-key")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "del-key", []byte("del-val"), time.Minute)
		if err := c.Delete(ctx, "del-key"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := c.Get(ctx, "del-key"); found {
			t.Fatal("expected miss after Delete")
		}
		if err := c.Delete(ctx, "never-existed"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("Purge", func(t *testing.T) {
		_ = c.Set(ctx, "budget.system.system.2026-10", []byte("1"), time.Minute)
		_ = c.Set(ctx, "budget.workflow.r1", []byte("2"), time.Minute)
		_ = c.Set(ctx, "other.key", []byte("3"), time.Minute)

		if err := c.Purge(ctx, "budget."); err != nil {
			t.Fatal(err)
		}
		for _, k := range []string{"budget.system.system.2026-10", "budget.workflow.r1"} {
			if _, found, _ := c.Get(ctx, k); found {
				t.Errorf("expected %s purged", k)
			}
		}
		if _, found, _ := c.Get(ctx, "other.key"); !found {
			t.Error("purge must keep keys outside the prefix")
		}
		if err := c.Purge(ctx, "budget."); err != nil {
			t.Fatalf("second purge should be a no-op: %v", err)
		}
	})
}
