package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/artpar/trialgate/bootstrap"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <tenant-id>",
	Short: "Print a tenant's trial status and period history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the decision as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cfgFile)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Shutdown()

	ctx := cmd.Context()
	snap, err := app.Status.Snapshot(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Fields())
	}

	fmt.Fprintf(out, "Tenant:    %s\n", snap.TenantID)
	fmt.Fprintf(out, "Variant:   %s\n", snap.VariantKey)
	fmt.Fprintf(out, "Status:    %s\n", snap.Status)
	if snap.IsBlocked {
		fmt.Fprintf(out, "Blocked:   yes (%s)\n", snap.BlockReason)
	} else {
		fmt.Fprintf(out, "Blocked:   no\n")
	}
	fmt.Fprintf(out, "Calls:     %d / %d\n", snap.CallsUsed, snap.CallsLimit)
	fmt.Fprintf(out, "Minutes:   %d / %d\n", snap.MinutesUsed, snap.MinutesLimit)
	fmt.Fprintf(out, "Used:      %.1f%% (%s)\n", snap.PercentUsed, snap.WarningLevel)
	fmt.Fprintf(out, "Days left: %d\n", snap.DaysRemaining)

	history, err := app.Status.History(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nPeriods:\n")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTART\tEND\tCALLS\tSECONDS\tOPEN")
	for _, p := range history {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%v\n",
			p.ID, p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"),
			p.CallsConsumed, p.DurationConsumedSeconds, p.IsOpen())
	}
	return w.Flush()
}
