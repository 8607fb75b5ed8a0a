package payment

import (
	"context"

	"github.com/clinicos/ledger/id"
)

// Store is the read side of payment persistence.
type Store interface {
	// ListPayments returns an invoice's payments in Seq order.
	ListPayments(ctx context.Context, orgID string, invID id.InvoiceID) ([]*Payment, error)
	GetPayment(ctx context.Context, orgID string, payID id.PaymentID) (*Payment, error)
}
