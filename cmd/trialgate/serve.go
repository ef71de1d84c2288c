package main

import (
	"errors"
	"fmt"

	"github.com/artpar/trialgate/bootstrap"
	"github.com/artpar/trialgate/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the sweep scheduler",
	Long: `Start the trialgate server.

The server will:
  - Load configuration from trialgate.yaml (or --config)
  - Or load configuration from TRIALGATE_* environment variables
  - Open and migrate the ledger store
  - Serve the JSON:API under /v1 with /healthz and /metrics
  - Run the expiry and prune sweeps on their cron schedules

The variant table reloads when the config file changes or on SIGHUP.

Examples:
  trialgate serve
  trialgate serve --config /etc/trialgate/config.yaml

  # Env vars only:
  TRIALGATE_DATABASE_DSN=/var/lib/trialgate.db trialgate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cfgFile)
	if errors.Is(err, config.ErrNoConfig) {
		fmt.Fprintln(cmd.ErrOrStderr(), "No configuration found.")
		fmt.Fprintf(cmd.ErrOrStderr(), "Create %s or set TRIALGATE_DATABASE_DSN.\n", cfgFile)
		return err
	}
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
