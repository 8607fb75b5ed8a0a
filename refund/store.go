package refund

import (
	"context"

	"github.com/clinicos/ledger/id"
)

// Store is the read side of refund persistence.
type Store interface {
	// ListRefunds returns an invoice's refunds oldest first.
	ListRefunds(ctx context.Context, orgID string, invID id.InvoiceID) ([]*Refund, error)
}
