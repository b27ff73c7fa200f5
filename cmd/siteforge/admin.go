package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/SiteForge/internal/config"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/service"
)

// runAdmin dispatches admin subcommands (reset-budgets, costs).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "reset-budgets":
		return runAdminResetBudgets(args[1:])
	case "costs":
		return runAdminCosts(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: siteforge admin <command> [options]

Commands:
  reset-budgets    Purge cached monthly budget aggregates
  costs            Show a tenant's cost breakdown by agent
  help             Show this help message

Examples:
  siteforge admin reset-budgets --yes
  siteforge admin costs --tenant acme
  siteforge admin costs --tenant acme --from 2026-03-01 --to 2026-04-01 --json
`)
}

func loadAdminDeps(ctx context.Context) (*service.BudgetService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Mode == config.ModeStandalone {
		return nil, nil, fmt.Errorf("admin commands need the shared stores, mode is %s", cfg.Mode)
	}

	inf, err := openInfra(ctx, cfg, false)
	if err != nil {
		return nil, nil, err
	}
	ledger := service.NewLedgerService(inf.store, inf.cache, inf.breaker, cfg.Cache.L2TTL)
	budgetSvc := service.NewBudgetService(ledger, inf.store, nil, cfg.Budget.LimitsFor, nil)
	return budgetSvc, inf.Close, nil
}

func runAdminResetBudgets(args []string) error {
	fs := flag.NewFlagSet("reset-budgets", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*yes && term.IsTerminal(int(os.Stdin.Fd())) {
		ok, err := confirm("Purge all cached budget aggregates? [y/N] ")
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	ctx := context.Background()
	budgetSvc, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := budgetSvc.ResetMonthlyBudgets(ctx); err != nil {
		return fmt.Errorf("reset budgets: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Budget caches reset.")
	return nil
}

func runAdminCosts(args []string) error {
	fs := flag.NewFlagSet("costs", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id (required)")
	from := fs.String("from", "", "window start, YYYY-MM-DD (inclusive)")
	to := fs.String("to", "", "window end, YYYY-MM-DD (exclusive)")
	asJSON := fs.Bool("json", false, "print JSON (default when stdout is not a terminal)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *tenant == "" {
		return fmt.Errorf("--tenant is required")
	}
	window, err := parseWindow(*from, *to)
	if err != nil {
		return err
	}

	ctx := context.Background()
	budgetSvc, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	costs, err := budgetSvc.CostBreakdown(ctx, *tenant, window)
	if err != nil {
		return fmt.Errorf("cost breakdown: %w", err)
	}
	status, err := budgetSvc.Status(ctx, *tenant)
	if err != nil {
		return fmt.Errorf("budget status: %w", err)
	}

	if *asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"tenant_id": *tenant, "costs": costs, "status": status})
	}
	return printCosts(*tenant, costs, status)
}

func printCosts(tenant string, costs []budget.AgentCost, status budget.Status) error {
	if len(costs) == 0 {
		fmt.Printf("No usage recorded for %s.\n", tenant)
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "AGENT\tCOST_USD\tTOKENS\tEXECUTIONS")
		var total budget.Money
		for i := range costs {
			total += costs[i].TotalCost
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\n",
				costs[i].AgentID, costs[i].TotalCost, costs[i].TotalTokens, costs[i].ExecutionCount)
		}
		_, _ = fmt.Fprintf(w, "TOTAL\t%s\t\t\n", total)
		if err := w.Flush(); err != nil {
			return err
		}
	}

	limit := "unlimited"
	if status.Limit != nil {
		limit = status.Limit.String()
	}
	fmt.Printf("\nThis month: %s of %s (%.1f%%)\n", status.Used, limit, status.PercentUsed)
	return nil
}

func parseWindow(from, to string) (budget.Window, error) {
	var w budget.Window
	var err error
	if from != "" {
		if w.From, err = time.Parse(time.DateOnly, from); err != nil {
			return w, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if w.To, err = time.Parse(time.DateOnly, to); err != nil {
			return w, fmt.Errorf("--to: %w", err)
		}
	}
	return w, nil
}

// confirm asks a yes/no question on the terminal.
func confirm(prompt string) (bool, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
