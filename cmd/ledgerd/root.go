package main

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "Clinic financial ledger service",
		Long: `ledgerd runs the clinic financial ledger: invoices, payments, refunds and
the audit trail that records them.

Configuration is read from the file given with --config, from a .env file in
the working directory and from LEDGER_ prefixed environment variables, e.g.
LEDGER_STORE_DRIVER=postgres LEDGER_STORE_POSTGRES_URL=postgres://...`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newReconcileCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}
