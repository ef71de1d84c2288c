package main

import (
	"fmt"

	"github.com/artpar/trialgate/bootstrap"
	"github.com/spf13/cobra"
)

var (
	sweepExpire bool
	sweepPrune  bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the maintenance sweeps once",
	Long: `Run the expiry sweep, the prune sweep, or both, then exit.

The expiry sweep resolves one batch of trials whose period has ended.
The prune sweep drops idempotency rows of periods archived longer than
retention.applied_event_ttl.

Examples:
  trialgate sweep
  trialgate sweep --prune=false`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepExpire, "expire", true, "resolve expired trials")
	sweepCmd.Flags().BoolVar(&sweepPrune, "prune", true, "prune idempotency rows past retention")
}

func runSweep(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cfgFile)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Shutdown()

	out := cmd.OutOrStdout()
	if sweepExpire {
		report, err := bootstrap.RunExpire(cmd.Context(), app.Sweeper, app.Logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Expired trials: scanned=%d converted=%d blocked=%d pending=%d failed=%d\n",
			checkMark, report.Scanned, report.Converted, report.Blocked, report.Pending, report.Failed)
	}
	if sweepPrune {
		n, err := bootstrap.RunPrune(cmd.Context(), app.Sweeper, app.Logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Pruned %d applied events\n", checkMark, n)
	}
	return nil
}
