// Package auditor verifies ledger consistency out of band.
//
// An Auditor recomputes every cached invoice total and every payment and
// refund rule from the raw records and reports what disagrees. It only
// reads committed state, takes no locks, and never writes; correcting a
// finding is a separate, audited operation.
package auditor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
)

// Reader is the read-only slice of the store the auditor needs.
type Reader interface {
	GetInvoice(ctx context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error)
	ListInvoices(ctx context.Context, orgID string, opts invoice.ListOpts) ([]*invoice.Invoice, error)
	ListPayments(ctx context.Context, orgID string, invID id.InvoiceID) ([]*payment.Payment, error)
	ListRefunds(ctx context.Context, orgID string, invID id.InvoiceID) ([]*refund.Refund, error)
	ListAuditEntries(ctx context.Context, orgID string, opts audit.ListOpts) ([]*audit.Entry, error)
}

// FindingHandler receives each finding as soon as a run reports it.
type FindingHandler func(ctx context.Context, f Finding)

// Auditor runs consistency checks.
type Auditor struct {
	reader    Reader
	logger    *zap.Logger
	workers   int
	pageSize  int
	limiter   *rate.Limiter
	onFinding FindingHandler
	now       func() time.Time
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Auditor) { a.logger = l.Named("auditor") }
}

// WithWorkers sets how many invoices are verified in parallel.
func WithWorkers(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithPageSize sets how many invoices are listed per store call.
func WithPageSize(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// WithRateLimit caps invoice verifications per second so a run does not
// compete with live traffic. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *Auditor) {
		if rps <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithFindingHandler sets a callback invoked for every finding.
func WithFindingHandler(fn FindingHandler) Option {
	return func(a *Auditor) { a.onFinding = fn }
}

// New creates an Auditor over r.
func New(r Reader, opts ...Option) *Auditor {
	a := &Auditor{
		reader:   r,
		logger:   zap.NewNop(),
		workers:  4,
		pageSize: 200,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run checks every invoice of orgID, or of all organisations when orgID is
// empty, and returns the report. Findings are not errors; err is only set
// when the store could not be read.
func (a *Auditor) Run(ctx context.Context, orgID string) (*Report, error) {
	report := &Report{OrgID: orgID, StartedAt: a.now().UTC()}

	refundAudits, err := a.refundAuditCounts(ctx, orgID)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[*invoiceResult]().
		WithContext(ctx).
		WithMaxGoroutines(a.workers)

	for offset := 0; ; offset += a.pageSize {
		page, err := a.reader.ListInvoices(ctx, orgID, invoice.ListOpts{Limit: a.pageSize, Offset: offset})
		if err != nil {
			_, _ = p.Wait()
			return nil, errors.Wrap(err, "auditor: list invoices")
		}
		for _, inv := range page {
			p.Go(func(ctx context.Context) (*invoiceResult, error) {
				if err := a.limiter.Wait(ctx); err != nil {
					return nil, err
				}
				return a.verifyInvoice(ctx, inv, refundAudits)
			})
		}
		if len(page) < a.pageSize {
			break
		}
	}

	results, err := p.Wait()
	if err != nil {
		return nil, errors.Wrap(err, "auditor: verify invoices")
	}

	for _, r := range results {
		report.InvoicesChecked++
		report.PaymentsChecked += r.payments
		report.RefundsChecked += r.refunds
		report.Findings = append(report.Findings, r.findings...)
	}
	report.sort()
	report.FinishedAt = a.now().UTC()

	for _, f := range report.Findings {
		a.logger.Warn("ledger inconsistency",
			zap.String("org_id", f.OrgID),
			zap.String("invoice_id", f.InvoiceID),
			zap.String("check", f.Check),
			zap.Int64("stored", f.Stored),
			zap.Int64("recomputed", f.Recomputed),
		)
		if a.onFinding != nil {
			a.onFinding(ctx, f)
		}
	}

	a.logger.Info("consistency run finished",
		zap.String("org_id", orgID),
		zap.Int("invoices", report.InvoicesChecked),
		zap.Int("payments", report.PaymentsChecked),
		zap.Int("refunds", report.RefundsChecked),
		zap.Int("findings", len(report.Findings)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	return report, nil
}

type invoiceResult struct {
	payments int
	refunds  int
	findings []Finding
}

// maxSnapshotAttempts bounds how often an invoice is re-read when a
// concurrent write lands between reading it and its payments.
const maxSnapshotAttempts = 3

// verifyInvoice reads a consistent view of one invoice and checks it.
// Every ledger write rewrites the invoice row, so if the invoice is the
// same before and after its payments and refunds are read, nothing
// changed in between.
func (a *Auditor) verifyInvoice(ctx context.Context, inv *invoice.Invoice, refundAudits map[string]int) (*invoiceResult, error) {
	for attempt := 1; ; attempt++ {
		pays, err := a.reader.ListPayments(ctx, inv.OrgID, inv.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "auditor: payments of %s", inv.ID)
		}
		rfds, err := a.reader.ListRefunds(ctx, inv.OrgID, inv.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "auditor: refunds of %s", inv.ID)
		}
		after, err := a.reader.GetInvoice(ctx, inv.OrgID, inv.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "auditor: reread %s", inv.ID)
		}

		if sameLedgerState(inv, after) || attempt == maxSnapshotAttempts {
			audits, err := a.auditCountsFor(ctx, inv.OrgID, rfds, refundAudits)
			if err != nil {
				return nil, err
			}
			return &invoiceResult{
				payments: len(pays),
				refunds:  len(rfds),
				findings: Check(after, pays, rfds, audits),
			}, nil
		}
		inv = after
	}
}

func sameLedgerState(a, b *invoice.Invoice) bool {
	return a.Status == b.Status &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.PaidTotal.Equal(b.PaidTotal) &&
		a.RefundedTotal.Equal(b.RefundedTotal) &&
		a.OverpaymentTotal.Equal(b.OverpaymentTotal)
}

// refundAuditCounts counts refund.created audit entries per refund id.
func (a *Auditor) refundAuditCounts(ctx context.Context, orgID string) (map[string]int, error) {
	entries, err := a.reader.ListAuditEntries(ctx, orgID, audit.ListOpts{
		EntityType: audit.EntityRefund,
		Action:     audit.ActionRefundCreated,
	})
	if err != nil {
		return nil, errors.Wrap(err, "auditor: list refund audit entries")
	}
	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		counts[e.EntityID]++
	}
	return counts, nil
}

// auditCountsFor returns audit counts for rfds. Refunds created after the
// run's initial audit listing are looked up individually.
func (a *Auditor) auditCountsFor(ctx context.Context, orgID string, rfds []*refund.Refund, known map[string]int) (map[string]int, error) {
	out := make(map[string]int, len(rfds))
	for _, r := range rfds {
		k := r.ID.String()
		if n, ok := known[k]; ok {
			out[k] = n
			continue
		}
		entries, err := a.reader.ListAuditEntries(ctx, orgID, audit.ListOpts{
			EntityType: audit.EntityRefund,
			EntityID:   k,
			Action:     audit.ActionRefundCreated,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "auditor: audit entries of %s", k)
		}
		out[k] = len(entries)
	}
	return out, nil
}
