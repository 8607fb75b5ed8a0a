package ledger

import (
	"context"

	"github.com/clinicos/ledger/auditor"
)

// Reconcile runs the consistency auditor over the actor's organisation.
// Findings are also delivered to plugins implementing
// plugin.OnReconciliationMismatch. The actor needs financial read access
// and access to every branch.
func (l *Ledger) Reconcile(ctx context.Context, actor Actor, opts ...auditor.Option) (*auditor.Report, error) {
	if actor.OrgID == "" || !l.authz.CanReadFinancial(ctx, actor) {
		return nil, l.deny(ctx, actor, "reconciliation.run", "", ErrFinancialReadDenied)
	}
	if !l.authz.CanAccessBranch(ctx, actor, AllBranches) {
		return nil, l.deny(ctx, actor, "reconciliation.run", AllBranches, ErrBranchDenied)
	}

	a := l.NewAuditor(opts...)
	report, err := a.Run(ctx, actor.OrgID)
	if err != nil {
		return nil, classifyStoreError(err, 1)
	}
	return report, nil
}

// NewAuditor returns an auditor over the ledger's store that logs through
// the ledger's logger and forwards findings to its plugins. opts are
// applied last.
func (l *Ledger) NewAuditor(opts ...auditor.Option) *auditor.Auditor {
	base := []auditor.Option{
		auditor.WithLogger(l.logger),
		auditor.WithFindingHandler(l.plugins.EmitReconciliationMismatch),
	}
	return auditor.New(l.store, append(base, opts...)...)
}
