package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/Strob0t/SiteForge/internal/adapter/postgres"
	"github.com/Strob0t/SiteForge/internal/config"
)

// runMigrate dispatches migrate subcommands (up, down, version).
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printMigrateHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Mode == config.ModeStandalone {
		return fmt.Errorf("migrations need a database, mode is %s", cfg.Mode)
	}
	ctx := context.Background()

	m, err := postgres.OpenMigrator(cfg.Postgres)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	switch args[0] {
	case "up":
		n, err := m.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Applied %d migration(s).\n", n)
	case "down":
		fs := flag.NewFlagSet("down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *steps < 1 {
			return fmt.Errorf("--steps must be >= 1")
		}
		n, err := m.Down(ctx, *steps)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s).\n", n)
	case "version":
		v, err := m.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Println(strconv.FormatInt(v, 10))
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
	return nil
}

func printMigrateHelp() {
	fmt.Fprintf(os.Stderr, `Usage: siteforge migrate <command> [options]

Commands:
  up                 Apply all pending migrations
  down [--steps N]   Roll back the last N migrations (default 1)
  version            Print the current schema version
`)
}
