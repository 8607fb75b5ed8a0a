// Package plugin provides post-commit hooks for the ledger.
//
// Hooks run after the financial transaction has committed. They can never
// roll a ledger write back, and a failing or slow hook is logged and
// abandoned rather than retried.
package plugin

import (
	"context"

	"github.com/clinicos/ledger/auditor"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the ledger starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, l any) error
}

// OnShutdown is called when the ledger stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnInvoiceCreated is called after an invoice is created.
type OnInvoiceCreated interface {
	Plugin
	OnInvoiceCreated(ctx context.Context, inv *invoice.Invoice) error
}

// OnPaymentConfirmed is called after a new payment commits. Idempotent
// replays do not fire it. inv is the invoice state after the payment.
type OnPaymentConfirmed interface {
	Plugin
	OnPaymentConfirmed(ctx context.Context, inv *invoice.Invoice, p *payment.Payment) error
}

// OnInvoicePaid is called when a payment moves an invoice to PAID.
type OnInvoicePaid interface {
	Plugin
	OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error
}

// OnRefundCreated is called after a refund commits.
type OnRefundCreated interface {
	Plugin
	OnRefundCreated(ctx context.Context, inv *invoice.Invoice, r *refund.Refund) error
}

// OnInvoiceCancelled is called after an invoice is cancelled.
type OnInvoiceCancelled interface {
	Plugin
	OnInvoiceCancelled(ctx context.Context, inv *invoice.Invoice) error
}

// OnAccessDenied is called when an actor is refused a ledger operation.
type OnAccessDenied interface {
	Plugin
	OnAccessDenied(ctx context.Context, d AccessDenial) error
}

// OnReconciliationMismatch is called for every finding a consistency run reports.
type OnReconciliationMismatch interface {
	Plugin
	OnReconciliationMismatch(ctx context.Context, f auditor.Finding) error
}

// AccessDenial describes a refused operation.
type AccessDenial struct {
	OrgID    string `json:"org_id"`
	ActorID  string `json:"actor_id"`
	Role     string `json:"role"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}
