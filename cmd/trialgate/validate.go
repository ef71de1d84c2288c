package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/artpar/trialgate/adapters/postgres"
	"github.com/artpar/trialgate/adapters/redislock"
	"github.com/artpar/trialgate/adapters/sqlite"
	"github.com/artpar/trialgate/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the trialgate configuration.

Checks:
  - YAML syntax is valid
  - Drivers, providers and schedules are known
  - The variant table is consistent
  - Database is reachable (optional)
  - Redis is reachable (optional)

Examples:
  trialgate validate
  trialgate validate --config /etc/trialgate/config.yaml --check-database`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
	validateCheckRedis    bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check that the database opens and migrates")
	validateCmd.Flags().BoolVar(&validateCheckRedis, "check-redis", false, "check that the redis lock backend answers")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); err != nil {
		fmt.Fprintf(out, "  - Config file not found, using environment\n")
	} else {
		fmt.Fprintf(out, "  %s Config file exists\n", checkMark)
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	table, err := cfg.VariantTable()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  %s Variant table %s (%d variants, default %s)\n",
		checkMark, table.Version(), table.Len(), table.Default().Key)
	for _, key := range table.Keys() {
		v, _ := table.Lookup(key)
		fmt.Fprintf(out, "      %-12s calls=%d seconds=%d days=%d behavior=%s weight=%d\n",
			v.Key, v.CallLimit, v.DurationLimitSeconds, v.TrialPeriodDays, v.Behavior, v.Weight)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if validateCheckDatabase {
		if err := checkDatabase(ctx, cfg.Database); err != nil {
			fmt.Fprintf(out, "  %s Database reachable\n", crossMark)
			return err
		}
		fmt.Fprintf(out, "  %s Database reachable\n", checkMark)
	}

	if validateCheckRedis && cfg.Lock.Driver == "redis" {
		client, err := redislock.Dial(ctx, cfg.Lock.RedisURL, 1)
		if err != nil {
			fmt.Fprintf(out, "  %s Redis reachable\n", crossMark)
			return err
		}
		client.Close()
		fmt.Fprintf(out, "  %s Redis reachable\n", checkMark)
	}

	printSummary(out, cfg)
	return nil
}

func checkDatabase(ctx context.Context, cfg config.DatabaseConfig) error {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Migrate(ctx)
	case "postgres":
		db, err := postgres.Open(ctx, postgres.Config{URL: cfg.DSN, Timeout: cfg.Timeout})
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Migrate(ctx)
	default:
		return nil
	}
}

func printSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "\nSummary:\n")
	fmt.Fprintf(out, "  Listen:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  Database:   %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  Lock:       %s\n", cfg.Lock.Driver)
	fmt.Fprintf(out, "  Billing:    %s\n", cfg.Billing.Provider)
	fmt.Fprintf(out, "  Warnings:   %.0f%% / %.0f%%\n", cfg.Limits.WarningApproaching, cfg.Limits.WarningCritical)
	if cfg.Sweep.Enabled {
		fmt.Fprintf(out, "  Sweeps:     expire %q, prune %q\n", cfg.Sweep.ExpireSchedule, cfg.Sweep.PruneSchedule)
	} else {
		fmt.Fprintf(out, "  Sweeps:     disabled\n")
	}
	fmt.Fprintf(out, "  Webhooks:   %d\n", len(cfg.Notify.Webhooks))
}
