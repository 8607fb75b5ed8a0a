// Package refund defines refund records issued against payments.
package refund

import (
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/types"
)

// Refund is an immutable record of money returned from one payment.
// Corrections are new refunds, never edits.
type Refund struct {
	types.Entity
	ID        id.RefundID  `json:"id"`
	OrgID     string       `json:"org_id"`
	InvoiceID id.InvoiceID `json:"invoice_id"`
	PaymentID id.PaymentID `json:"payment_id"`
	Amount    types.Money  `json:"amount"`
	Reason    string       `json:"reason"`
	CreatedBy string       `json:"created_by"`
}
