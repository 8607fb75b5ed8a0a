package main

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicos/ledger/auditor"
)

// errFindings makes the process exit non-zero when a run found drift.
var errFindings = errors.New("reconciliation reported findings")

type reconcileOptions struct {
	orgID  string
	format string
}

func newReconcileCmd(root *rootOptions) *cobra.Command {
	opts := &reconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute ledger totals from raw records and report drift",
		Long: `reconcile reads committed invoices, payments, refunds and audit entries,
recomputes every cached total and ledger rule, and prints what disagrees.
It never writes. The exit status is non-zero when findings were reported.`,
		Example: `  # All organisations, JSON report
  ledgerd reconcile

  # One organisation as CSV
  ledgerd reconcile --org org_123 --format csv > findings.csv`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.format != "json" && opts.format != "csv" {
				return errors.Newf("unsupported format %q (json, csv)", opts.format)
			}
			rt, err := loadRuntime(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer func() { _ = rt.logger.Sync() }()
			return runReconcile(cmd.Context(), rt, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.orgID, "org", "", "limit the run to one organisation")
	cmd.Flags().StringVar(&opts.format, "format", "json", "output format: json or csv")
	return cmd
}

func runReconcile(ctx context.Context, rt *runtime, opts *reconcileOptions, out io.Writer) error {
	rt.ledger.Plugins().Start()
	defer func() {
		rt.ledger.Plugins().Stop()
		rt.ledger.Plugins().EmitShutdown(context.WithoutCancel(ctx))
		_ = rt.store.Close()
	}()

	a := rt.ledger.NewAuditor(
		auditor.WithWorkers(rt.cfg.Auditor.Workers),
		auditor.WithPageSize(rt.cfg.Auditor.PageSize),
		auditor.WithRateLimit(rt.cfg.Auditor.RateLimit, rt.cfg.Auditor.Burst),
	)
	report, err := a.Run(ctx, opts.orgID)
	if err != nil {
		return err
	}

	rt.logger.Info("reconciliation finished",
		zap.String("org_id", opts.orgID),
		zap.Int("invoices", report.InvoicesChecked),
		zap.Int("findings", len(report.Findings)),
	)

	if opts.format == "csv" {
		err = report.WriteCSV(out)
	} else {
		err = report.WriteJSON(out)
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return errFindings
	}
	return nil
}
