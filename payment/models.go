// Package payment defines payment records applied to invoices.
package payment

import (
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/types"
)

// Method is how the payer handed money over.
type Method string

const (
	MethodCash     Method = "cash"
	MethodTransfer Method = "transfer"
	MethodCard     Method = "card"
	MethodOther    Method = "other"
)

// IsValid reports whether m is a supported payment method.
func (m Method) IsValid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCard, MethodOther:
		return true
	}
	return false
}

// Payment is an immutable record of money received against one invoice.
// Amount always equals Applied + Overpayment.
type Payment struct {
	types.Entity
	ID             id.PaymentID `json:"id"`
	OrgID          string       `json:"org_id"`
	InvoiceID      id.InvoiceID `json:"invoice_id"`
	IdempotencyKey string       `json:"idempotency_key"`

	// Seq is the 1-based position of this payment in its invoice's history.
	// Replays of the chronological remaining check follow Seq.
	Seq int64 `json:"seq"`

	Amount      types.Money `json:"amount"`
	Applied     types.Money `json:"applied"`
	Overpayment types.Money `json:"overpayment"`

	Method    Method `json:"method"`
	Reference string `json:"reference,omitempty"`
	CreatedBy string `json:"created_by"`
}

// Split divides amount into the portion applied against outstanding and the
// overpayment. outstanding below zero is treated as zero.
func Split(amount, outstanding types.Money) (applied, overpayment types.Money) {
	applied = amount.Min(outstanding.ClampZero())
	overpayment = amount.MustSub(applied)
	return applied, overpayment
}
