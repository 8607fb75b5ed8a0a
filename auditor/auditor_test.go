package auditor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/auditor"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/store/memory"
	"github.com/clinicos/ledger/types"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func thb(n int64) types.Money { return types.THB(n) }

func newInvoice(org string, grand int64) *invoice.Invoice {
	return &invoice.Invoice{
		Entity:           types.NewEntity(now),
		ID:               id.NewInvoiceID(),
		OrgID:            org,
		Status:           invoice.StatusPending,
		Currency:         "thb",
		Subtotal:         thb(grand),
		DiscountTotal:    thb(0),
		TaxTotal:         thb(0),
		GrandTotal:       thb(grand),
		PaidTotal:        thb(0),
		RefundedTotal:    thb(0),
		OverpaymentTotal: thb(0),
	}
}

func newPayment(inv *invoice.Invoice, seq, amount, applied int64) *payment.Payment {
	return &payment.Payment{
		Entity:         types.NewEntity(now.Add(time.Duration(seq) * time.Minute)),
		ID:             id.NewPaymentID(),
		OrgID:          inv.OrgID,
		InvoiceID:      inv.ID,
		IdempotencyKey: "key-" + string(rune('a'+seq)),
		Seq:            seq,
		Amount:         thb(amount),
		Applied:        thb(applied),
		Overpayment:    thb(amount - applied),
		Method:         payment.MethodCash,
	}
}

func newRefund(p *payment.Payment, amount int64) *refund.Refund {
	return &refund.Refund{
		Entity:    types.NewEntity(now.Add(time.Hour)),
		ID:        id.NewRefundID(),
		OrgID:     p.OrgID,
		InvoiceID: p.InvoiceID,
		PaymentID: p.ID,
		Amount:    thb(amount),
		Reason:    "treatment not performed",
	}
}

func checks(findings []auditor.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Check)
	}
	return out
}

// ──────────────────────────────────────────────────
// Check
// ──────────────────────────────────────────────────

func TestCheck_ConsistentInvoice(t *testing.T) {
	inv := newInvoice("org_1", 100000)
	p1 := newPayment(inv, 1, 60000, 60000)
	p2 := newPayment(inv, 2, 60000, 40000)
	r := newRefund(p1, 10000)

	inv.Status = invoice.StatusPaid
	inv.PaidTotal = thb(100000)
	inv.OverpaymentTotal = thb(20000)
	inv.RefundedTotal = thb(10000)

	got := auditor.Check(inv, []*payment.Payment{p1, p2}, []*refund.Refund{r}, map[string]int{r.ID.String(): 1})
	assert.Empty(t, got)
}

func TestCheck_CachedTotalsDrift(t *testing.T) {
	inv := newInvoice("org_1", 100000)
	p := newPayment(inv, 1, 50000, 50000)
	inv.PaidTotal = thb(70000)
	inv.OverpaymentTotal = thb(5)

	got := auditor.Check(inv, []*payment.Payment{p}, nil, nil)
	require.Len(t, got, 2)

	assert.Equal(t, auditor.CheckPaidTotal, got[0].Check)
	assert.Equal(t, int64(70000), got[0].Stored)
	assert.Equal(t, int64(50000), got[0].Recomputed)
	assert.Equal(t, inv.ID.String(), got[0].InvoiceID)
	assert.Equal(t, "org_1", got[0].OrgID)

	assert.Equal(t, auditor.CheckOverpaymentTotal, got[1].Check)
	assert.Equal(t, int64(5), got[1].Stored)
	assert.Equal(t, int64(0), got[1].Recomputed)
}

func TestCheck_AppliedBeyondRemainingAtTime(t *testing.T) {
	inv := newInvoice("org_1", 100000)
	p1 := newPayment(inv, 1, 60000, 60000)
	p2 := newPayment(inv, 2, 60000, 60000) // should have been 40000 applied
	inv.Status = invoice.StatusPaid
	inv.PaidTotal = thb(120000)

	got := auditor.Check(inv, []*payment.Payment{p2, p1}, nil, nil)
	assert.Contains(t, checks(got), auditor.CheckAppliedRemaining)
	assert.Contains(t, checks(got), auditor.CheckInvariantPrefix+invoice.RulePaidWithinBounds)

	for _, f := range got {
		if f.Check == auditor.CheckAppliedRemaining {
			assert.Equal(t, p2.ID.String(), f.PaymentID)
			assert.Equal(t, int64(60000), f.Stored)
			assert.Equal(t, int64(40000), f.Recomputed)
		}
	}
}

func TestCheck_SplitAndNegative(t *testing.T) {
	inv := newInvoice("org_1", 100000)
	p := newPayment(inv, 1, 30000, 30000)
	p.Overpayment = thb(-1)
	inv.PaidTotal = thb(30000)
	inv.OverpaymentTotal = thb(-1)

	got := checks(auditor.Check(inv, []*payment.Payment{p}, nil, nil))
	assert.Contains(t, got, auditor.CheckNegativeAmount)
	assert.Contains(t, got, auditor.CheckPaymentSplit)
	assert.Contains(t, got, auditor.CheckInvariantPrefix+invoice.RuleNonNegative)
}

func TestCheck_RefundRules(t *testing.T) {
	inv := newInvoice("org_1", 100000)
	p := newPayment(inv, 1, 100000, 100000)
	other := newPayment(newInvoice("org_1", 5000), 1, 5000, 5000)

	r1 := newRefund(p, 80000)
	r2 := newRefund(p, 30000)
	orphan := newRefund(other, 100)
	orphan.InvoiceID = inv.ID

	inv.Status = invoice.StatusPaid
	inv.PaidTotal = thb(100000)
	inv.RefundedTotal = thb(110100)

	got := auditor.Check(inv, []*payment.Payment{p}, []*refund.Refund{r1, r2, orphan}, map[string]int{
		r1.ID.String(): 1,
		r2.ID.String(): 2,
	})
	names := checks(got)
	assert.Contains(t, names, auditor.CheckRefundOverApplied)
	assert.Contains(t, names, auditor.CheckRefundOrphan)
	assert.Contains(t, names, auditor.CheckInvariantPrefix+invoice.RuleRefundWithinPaid)

	var audits []auditor.Finding
	for _, f := range got {
		if f.Check == auditor.CheckRefundAudit {
			audits = append(audits, f)
		}
	}
	require.Len(t, audits, 2)
	byRefund := map[string]int64{}
	for _, f := range audits {
		byRefund[f.RefundID] = f.Stored
	}
	assert.Equal(t, int64(2), byRefund[r2.ID.String()])
	assert.Equal(t, int64(0), byRefund[orphan.ID.String()])
}

// ──────────────────────────────────────────────────
// Run
// ──────────────────────────────────────────────────

type seed struct {
	inv   *invoice.Invoice
	pays  []*payment.Payment
	rfds  []*refund.Refund
	audit bool
}

func seedStore(t *testing.T, s *memory.Store, seeds ...seed) {
	t.Helper()
	ctx := context.Background()
	for _, sd := range seeds {
		err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.CreateInvoice(ctx, sd.inv); err != nil {
				return err
			}
			for _, p := range sd.pays {
				if err := tx.InsertPayment(ctx, p); err != nil {
					return err
				}
			}
			for _, r := range sd.rfds {
				if err := tx.InsertRefund(ctx, r); err != nil {
					return err
				}
				if !sd.audit {
					continue
				}
				e, err := audit.NewEntry(r.OrgID, audit.EntityRefund, r.ID.String(), audit.ActionRefundCreated, "actor_1", now, nil)
				if err != nil {
					return err
				}
				if err := tx.AppendAudit(ctx, e); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
}

func paidWithRefund(org string) seed {
	inv := newInvoice(org, 100000)
	p := newPayment(inv, 1, 100000, 100000)
	r := newRefund(p, 40000)
	inv.Status = invoice.StatusPaid
	inv.PaidTotal = thb(100000)
	inv.RefundedTotal = thb(40000)
	return seed{inv: inv, pays: []*payment.Payment{p}, rfds: []*refund.Refund{r}, audit: true}
}

func TestRun_CleanStore(t *testing.T) {
	s := memory.New()
	seedStore(t, s, paidWithRefund("org_1"), paidWithRefund("org_1"), paidWithRefund("org_2"))

	report, err := auditor.New(s, auditor.WithWorkers(2), auditor.WithPageSize(1)).Run(context.Background(), "")
	require.NoError(t, err)

	assert.True(t, report.OK())
	assert.Equal(t, 3, report.InvoicesChecked)
	assert.Equal(t, 3, report.PaymentsChecked)
	assert.Equal(t, 3, report.RefundsChecked)
	assert.NotNil(t, report.Findings)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestRun_ScopedToOrg(t *testing.T) {
	s := memory.New()
	bad := paidWithRefund("org_2")
	bad.inv.PaidTotal = thb(1)
	seedStore(t, s, paidWithRefund("org_1"), bad)

	report, err := auditor.New(s).Run(context.Background(), "org_1")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.InvoicesChecked)
	assert.Equal(t, "org_1", report.OrgID)
}

func TestRun_ReportsFindingsAndCallsHandler(t *testing.T) {
	s := memory.New()

	drift := paidWithRefund("org_1")
	drift.inv.RefundedTotal = thb(10000)

	unaudited := paidWithRefund("org_1")
	unaudited.audit = false

	seedStore(t, s, paidWithRefund("org_1"), drift, unaudited)

	var (
		mu      sync.Mutex
		handled []auditor.Finding
	)
	a := auditor.New(s,
		auditor.WithRateLimit(1000, 10),
		auditor.WithFindingHandler(func(_ context.Context, f auditor.Finding) {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, f)
		}),
	)

	report, err := a.Run(context.Background(), "org_1")
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.Equal(t, 3, report.InvoicesChecked)

	d := report.ForInvoice(drift.inv.ID.String())
	require.Len(t, d, 1)
	assert.Equal(t, auditor.CheckRefundedTotal, d[0].Check)
	assert.Equal(t, int64(10000), d[0].Stored)
	assert.Equal(t, int64(40000), d[0].Recomputed)

	u := report.ForInvoice(unaudited.inv.ID.String())
	require.Len(t, u, 1)
	assert.Equal(t, auditor.CheckRefundAudit, u[0].Check)
	assert.Equal(t, unaudited.rfds[0].ID.String(), u[0].RefundID)

	assert.ElementsMatch(t, report.Findings, handled)
}

func TestRun_ReadOnly(t *testing.T) {
	s := memory.New(memory.WithBeforeCommit(func(context.Context) error {
		t.Fatal("auditor must not open write transactions")
		return nil
	}))
	report, err := auditor.New(s).Run(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, report.InvoicesChecked)
}

func TestRun_CancelledContext(t *testing.T) {
	s := memory.New()
	seedStore(t, s, paidWithRefund("org_1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := auditor.New(s, auditor.WithRateLimit(0.001, 1)).Run(ctx, "")
	require.Error(t, err)
}

// ──────────────────────────────────────────────────
// Report output
// ──────────────────────────────────────────────────

func TestReport_WriteCSV(t *testing.T) {
	r := &auditor.Report{Findings: []auditor.Finding{{
		OrgID: "org_1", InvoiceID: "inv_x", Check: auditor.CheckPaidTotal, Stored: 70000, Recomputed: 50000,
	}}}

	var buf bytes.Buffer
	require.NoError(t, r.WriteCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "org_id,invoice_id,payment_id,refund_id,check,stored,recomputed,detail", lines[0])
	assert.Equal(t, "org_1,inv_x,,,paid_total_mismatch,70000,50000,", lines[1])
}

func TestReport_WriteJSON(t *testing.T) {
	r := &auditor.Report{OrgID: "org_1", InvoicesChecked: 2, Findings: []auditor.Finding{}}

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "org_1", decoded["org_id"])
	assert.EqualValues(t, 2, decoded["invoices_checked"])
	assert.Equal(t, []any{}, decoded["findings"])
}
