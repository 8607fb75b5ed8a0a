package auditor

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/samber/lo"

	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
)

// Check names.
const (
	CheckPaidTotal         = "paid_total_mismatch"
	CheckRefundedTotal     = "refunded_total_mismatch"
	CheckOverpaymentTotal  = "overpayment_total_mismatch"
	CheckAppliedRemaining  = "applied_exceeds_remaining"
	CheckPaymentSplit      = "payment_split_mismatch"
	CheckNegativeAmount    = "negative_amount"
	CheckRefundAudit       = "refund_audit_count"
	CheckRefundOverApplied = "refunds_exceed_applied"
	CheckRefundOrphan      = "refund_payment_missing"
	CheckInvariantPrefix   = "invariant:"
)

// Check verifies one invoice against its payments and refunds. refundAudits
// maps refund id to the number of refund.created audit entries for it.
// It is pure and safe to call from tests with hand-built records.
func Check(inv *invoice.Invoice, pays []*payment.Payment, rfds []*refund.Refund, refundAudits map[string]int) []Finding {
	var out []Finding
	add := func(f Finding) {
		f.OrgID = inv.OrgID
		f.InvoiceID = inv.ID.String()
		out = append(out, f)
	}

	// Sum law against the cached totals.
	manualPaid := lo.SumBy(pays, func(p *payment.Payment) int64 { return p.Applied.Amount })
	manualOver := lo.SumBy(pays, func(p *payment.Payment) int64 { return p.Overpayment.Amount })
	manualRefunded := lo.SumBy(rfds, func(r *refund.Refund) int64 { return r.Amount.Amount })

	if inv.PaidTotal.Amount != manualPaid {
		add(Finding{Check: CheckPaidTotal, Stored: inv.PaidTotal.Amount, Recomputed: manualPaid})
	}
	if inv.RefundedTotal.Amount != manualRefunded {
		add(Finding{Check: CheckRefundedTotal, Stored: inv.RefundedTotal.Amount, Recomputed: manualRefunded})
	}
	if inv.OverpaymentTotal.Amount != manualOver {
		add(Finding{Check: CheckOverpaymentTotal, Stored: inv.OverpaymentTotal.Amount, Recomputed: manualOver})
	}

	// Chronological replay of the remaining rule.
	ordered := slices.Clone(pays)
	slices.SortStableFunc(ordered, func(a, b *payment.Payment) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})

	appliedSoFar := int64(0)
	for _, p := range ordered {
		pid := p.ID.String()
		if p.Amount.Amount < 0 || p.Applied.Amount < 0 || p.Overpayment.Amount < 0 {
			add(Finding{
				PaymentID: pid, Check: CheckNegativeAmount,
				Stored: min(p.Amount.Amount, p.Applied.Amount, p.Overpayment.Amount), Recomputed: 0,
				Detail: fmt.Sprintf("amount=%d applied=%d overpayment=%d", p.Amount.Amount, p.Applied.Amount, p.Overpayment.Amount),
			})
		}
		if sum := p.Applied.Amount + p.Overpayment.Amount; sum != p.Amount.Amount {
			add(Finding{
				PaymentID: pid, Check: CheckPaymentSplit, Stored: sum, Recomputed: p.Amount.Amount,
				Detail: "applied + overpayment != amount",
			})
		}
		remaining := max(inv.GrandTotal.Amount-appliedSoFar, 0)
		if p.Applied.Amount > remaining {
			add(Finding{
				PaymentID: pid, Check: CheckAppliedRemaining, Stored: p.Applied.Amount, Recomputed: remaining,
				Detail: fmt.Sprintf("payment #%d", p.Seq),
			})
		}
		appliedSoFar += p.Applied.Amount
	}

	// Per-payment refund bound and audit trail.
	byPayment := lo.KeyBy(pays, func(p *payment.Payment) string { return p.ID.String() })
	refundsByPayment := lo.GroupBy(rfds, func(r *refund.Refund) string { return r.PaymentID.String() })

	for _, pid := range slices.Sorted(maps.Keys(refundsByPayment)) {
		group := refundsByPayment[pid]
		total := lo.SumBy(group, func(r *refund.Refund) int64 { return r.Amount.Amount })
		p, ok := byPayment[pid]
		if !ok {
			add(Finding{
				PaymentID: pid, Check: CheckRefundOrphan, Stored: total, Recomputed: 0,
				Detail: "refunds reference a payment not on this invoice",
			})
			continue
		}
		if total > p.Applied.Amount {
			add(Finding{PaymentID: pid, Check: CheckRefundOverApplied, Stored: total, Recomputed: p.Applied.Amount})
		}
	}

	for _, r := range rfds {
		rid := r.ID.String()
		if n := refundAudits[rid]; n != 1 {
			add(Finding{
				PaymentID: r.PaymentID.String(), RefundID: rid, Check: CheckRefundAudit,
				Stored: int64(n), Recomputed: 1,
				Detail: "every refund needs exactly one refund audit entry",
			})
		}
	}

	for _, v := range inv.CheckInvariants() {
		add(Finding{Check: CheckInvariantPrefix + v.Rule, Detail: v.Detail})
	}

	return out
}
