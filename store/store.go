// Package store defines the persistence contract shared by every ledger backend.
package store

import (
	"context"
	"errors"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
)

// Errors every backend translates its driver errors into.
var (
	// ErrNotFound is returned when a requested record does not exist in the
	// caller's organisation.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a transaction lost a race with a concurrent
	// writer (serialization failure, deadlock, write conflict, or a unique key
	// taken between read and insert). Rerunning the transaction is safe.
	ErrConflict = errors.New("store: write conflict")

	// ErrCommitUnknown is returned when a commit was sent but its outcome
	// could not be observed. The transaction may or may not have applied.
	ErrCommitUnknown = errors.New("store: commit outcome unknown")

	// ErrUnavailable wraps connection level failures.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the aggregate storage interface for the ledger. Reads return
// committed state; every ledger mutation goes through RunInTx.
type Store interface {
	invoice.Store
	payment.Store
	refund.Store
	audit.Store

	// RunInTx runs fn inside one atomic transaction. If fn returns an error
	// nothing it wrote becomes visible. RunInTx does not retry.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of reads and writes available inside a transaction.
// Reads observe the transaction's own writes.
type Tx interface {
	CreateInvoice(ctx context.Context, inv *invoice.Invoice) error

	// GetInvoiceForUpdate loads an invoice and holds it against concurrent
	// ledger writers until the transaction ends.
	GetInvoiceForUpdate(ctx context.Context, orgID string, invID id.InvoiceID) (*invoice.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error

	// FindPaymentByKey returns ErrNotFound when no payment on the invoice
	// carries the key.
	FindPaymentByKey(ctx context.Context, invID id.InvoiceID, key string) (*payment.Payment, error)
	GetPayment(ctx context.Context, invID id.InvoiceID, payID id.PaymentID) (*payment.Payment, error)
	ListPaymentsByInvoice(ctx context.Context, invID id.InvoiceID) ([]*payment.Payment, error)
	InsertPayment(ctx context.Context, p *payment.Payment) error

	ListRefundsByPayment(ctx context.Context, payID id.PaymentID) ([]*refund.Refund, error)
	InsertRefund(ctx context.Context, r *refund.Refund) error

	AppendAudit(ctx context.Context, e *audit.Entry) error
}
