// Package invoice defines the invoice record and its ledger invariants.
package invoice

import (
	"fmt"
	"time"

	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/types"
)

// Status is the lifecycle state of an invoice.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// Invoice is a bill issued to a patient. The ledger fields (PaidTotal,
// RefundedTotal, OverpaymentTotal) are caches of what the invoice's payments
// and refunds imply and are only written inside the transaction that
// creates the payment or refund.
type Invoice struct {
	types.Entity
	ID       id.InvoiceID `json:"id"`
	OrgID    string       `json:"org_id"`
	BranchID string       `json:"branch_id,omitempty"`
	Status   Status       `json:"status"`
	Currency string       `json:"currency"`

	LineItems     []LineItem  `json:"line_items"`
	Subtotal      types.Money `json:"subtotal"`
	DiscountTotal types.Money `json:"discount_total"`
	TaxTotal      types.Money `json:"tax_total"`
	GrandTotal    types.Money `json:"grand_total"`

	PaidTotal        types.Money `json:"paid_total"`
	RefundedTotal    types.Money `json:"refunded_total"`
	OverpaymentTotal types.Money `json:"overpayment_total"`

	PaidAt       *time.Time        `json:"paid_at,omitempty"`
	CancelledAt  *time.Time        `json:"cancelled_at,omitempty"`
	CancelReason string            `json:"cancel_reason,omitempty"`
	CreatedBy    string            `json:"created_by"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// LineItem is one billed treatment.
type LineItem struct {
	ID          id.LineItemID `json:"id"`
	TreatmentID string        `json:"treatment_id"`
	Description string        `json:"description,omitempty"`
	Quantity    int64         `json:"quantity"`
	UnitPrice   types.Money   `json:"unit_price"`
	Discount    types.Money   `json:"discount"`
	LineTotal   types.Money   `json:"line_total"`
}

// Remaining is grand_total - paid_total + refunded_total.
func (inv *Invoice) Remaining() types.Money {
	return types.New(inv.GrandTotal.Amount-inv.PaidTotal.Amount+inv.RefundedTotal.Amount, inv.Currency)
}

// Outstanding is what a new payment can still be applied to:
// grand_total - paid_total, floored at zero. Refunds do not reopen an invoice.
func (inv *Invoice) Outstanding() types.Money {
	return types.New(inv.GrandTotal.Amount-inv.PaidTotal.Amount, inv.Currency).ClampZero()
}

// IsClosed reports whether the invoice accepts no further payments or refunds.
func (inv *Invoice) IsClosed() bool { return inv.Status == StatusCancelled }

// Violation describes a broken invoice invariant.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return v.Rule + ": " + v.Detail }

// Invariant rule names.
const (
	RuleNonNegative       = "totals_non_negative"
	RulePaidWithinBounds  = "paid_within_grand_plus_overpayment"
	RuleRefundWithinPaid  = "refunded_within_paid"
	RulePaidStatusCovered = "paid_status_covers_grand_total"
	RuleRemainingNonNeg   = "remaining_non_negative"
	RuleGrandTotalFormula = "grand_total_formula"
)

// CheckInvariants returns every ledger invariant the invoice currently breaks.
// An empty result means the invoice is consistent with itself.
func (inv *Invoice) CheckInvariants() []Violation {
	var out []Violation
	add := func(rule, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	paid, refunded, over, grand := inv.PaidTotal.Amount, inv.RefundedTotal.Amount, inv.OverpaymentTotal.Amount, inv.GrandTotal.Amount

	nonNeg := paid >= 0 && refunded >= 0 && over >= 0
	if !nonNeg {
		add(RuleNonNegative, "paid=%d refunded=%d overpayment=%d", paid, refunded, over)
	}
	// Differences of non-negative totals cannot wrap; sums near the int64 limit can.
	if nonNeg && paid-over > grand {
		add(RulePaidWithinBounds, "paid=%d > grand=%d + overpayment=%d", paid, grand, over)
	}
	if refunded > paid {
		add(RuleRefundWithinPaid, "refunded=%d > paid=%d", refunded, paid)
	}
	if inv.Status == StatusPaid && paid < grand {
		add(RulePaidStatusCovered, "status=PAID but paid=%d < grand=%d", paid, grand)
	}
	if nonNeg && paid-refunded > grand {
		add(RuleRemainingNonNeg, "grand=%d - paid=%d + refunded=%d < 0", grand, paid, refunded)
	}
	if want := inv.Subtotal.Amount - inv.DiscountTotal.Amount + inv.TaxTotal.Amount; grand != want {
		add(RuleGrandTotalFormula, "grand=%d != subtotal - discount + tax = %d", grand, want)
	}
	return out
}
