package invoice

import (
	"context"

	"github.com/clinicos/ledger/id"
)

// Store is the read side of invoice persistence. Writes happen inside a
// store transaction so that ledger fields move together with the payment
// or refund that changed them.
type Store interface {
	GetInvoice(ctx context.Context, orgID string, invID id.InvoiceID) (*Invoice, error)
	ListInvoices(ctx context.Context, orgID string, opts ListOpts) ([]*Invoice, error)
}

// ListOpts filters ListInvoices. An empty OrgID on the store call lists
// every organisation, which only the consistency auditor does.
type ListOpts struct {
	Status   Status
	BranchID string
	Limit    int
	Offset   int
}
