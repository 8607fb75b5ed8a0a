// Package audithook forwards committed ledger events to an external audit
// trail such as a compliance log or SIEM.
//
// The ledger's own audit log is written inside each financial transaction;
// this plugin is a post-commit copy for systems outside the ledger. It
// defines a local Recorder interface so the package does not depend on any
// particular backend. Callers inject a RecorderFunc at wiring time.
package audithook

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clinicos/ledger/auditor"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/plugin"
	"github.com/clinicos/ledger/refund"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                   = (*Extension)(nil)
	_ plugin.OnInvoiceCreated         = (*Extension)(nil)
	_ plugin.OnInvoicePaid            = (*Extension)(nil)
	_ plugin.OnInvoiceCancelled       = (*Extension)(nil)
	_ plugin.OnPaymentConfirmed       = (*Extension)(nil)
	_ plugin.OnRefundCreated          = (*Extension)(nil)
	_ plugin.OnAccessDenied           = (*Extension)(nil)
	_ plugin.OnReconciliationMismatch = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one forwarded ledger event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	OrgID      string         `json:"org_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *zap.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Invoice hooks
// ──────────────────────────────────────────────────

// OnInvoiceCreated implements plugin.OnInvoiceCreated.
func (e *Extension) OnInvoiceCreated(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, &AuditEvent{
		Action:     ActionInvoiceCreated,
		Resource:   ResourceInvoice,
		Category:   CategoryBilling,
		ResourceID: inv.ID.String(),
		OrgID:      inv.OrgID,
		ActorID:    inv.CreatedBy,
		Severity:   SeverityInfo,
		Outcome:    OutcomeSuccess,
	},
		"branch_id", inv.BranchID,
		"grand_total", inv.GrandTotal.Amount,
		"currency", inv.Currency,
	)
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (e *Extension) OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, &AuditEvent{
		Action:     ActionInvoicePaid,
		Resource:   ResourceInvoice,
		Category:   CategoryPayment,
		ResourceID: inv.ID.String(),
		OrgID:      inv.OrgID,
		Severity:   SeverityInfo,
		Outcome:    OutcomeSuccess,
	},
		"grand_total", inv.GrandTotal.Amount,
		"paid_total", inv.PaidTotal.Amount,
	)
}

// OnInvoiceCancelled implements plugin.OnInvoiceCancelled.
func (e *Extension) OnInvoiceCancelled(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, &AuditEvent{
		Action:     ActionInvoiceCancelled,
		Resource:   ResourceInvoice,
		Category:   CategoryBilling,
		ResourceID: inv.ID.String(),
		OrgID:      inv.OrgID,
		Severity:   SeverityWarning,
		Outcome:    OutcomeSuccess,
		Reason:     inv.CancelReason,
	})
}

// ──────────────────────────────────────────────────
// Payment and refund hooks
// ──────────────────────────────────────────────────

// OnPaymentConfirmed implements plugin.OnPaymentConfirmed. A payment that
// carries overpayment is forwarded a second time as payment.overpayment so
// operators can follow up on credit owed to the patient.
func (e *Extension) OnPaymentConfirmed(ctx context.Context, inv *invoice.Invoice, p *payment.Payment) error {
	base := AuditEvent{
		Resource:   ResourcePayment,
		Category:   CategoryPayment,
		ResourceID: p.ID.String(),
		OrgID:      p.OrgID,
		ActorID:    p.CreatedBy,
		Severity:   SeverityInfo,
		Outcome:    OutcomeSuccess,
	}

	confirmed := base
	confirmed.Action = ActionPaymentConfirmed
	if err := e.record(ctx, &confirmed,
		"invoice_id", inv.ID.String(),
		"amount", p.Amount.Amount,
		"applied", p.Applied.Amount,
		"overpayment", p.Overpayment.Amount,
		"method", string(p.Method),
		"status_after", string(inv.Status),
	); err != nil {
		return err
	}

	if !p.Overpayment.IsPositive() {
		return nil
	}
	over := base
	over.Action = ActionPaymentOverpayment
	over.Severity = SeverityWarning
	return e.record(ctx, &over,
		"invoice_id", inv.ID.String(),
		"overpayment", p.Overpayment.Amount,
		"overpayment_total", inv.OverpaymentTotal.Amount,
	)
}

// OnRefundCreated implements plugin.OnRefundCreated.
func (e *Extension) OnRefundCreated(ctx context.Context, inv *invoice.Invoice, r *refund.Refund) error {
	return e.record(ctx, &AuditEvent{
		Action:     ActionRefundCreated,
		Resource:   ResourceRefund,
		Category:   CategoryPayment,
		ResourceID: r.ID.String(),
		OrgID:      r.OrgID,
		ActorID:    r.CreatedBy,
		Severity:   SeverityWarning,
		Outcome:    OutcomeSuccess,
		Reason:     r.Reason,
	},
		"invoice_id", inv.ID.String(),
		"payment_id", r.PaymentID.String(),
		"amount", r.Amount.Amount,
		"refunded_total", inv.RefundedTotal.Amount,
	)
}

// ──────────────────────────────────────────────────
// Access and reconciliation hooks
// ──────────────────────────────────────────────────

// OnAccessDenied implements plugin.OnAccessDenied.
func (e *Extension) OnAccessDenied(ctx context.Context, d plugin.AccessDenial) error {
	return e.record(ctx, &AuditEvent{
		Action:     ActionAccessDenied,
		Resource:   ResourceAccess,
		Category:   CategoryAccess,
		ResourceID: d.Resource,
		OrgID:      d.OrgID,
		ActorID:    d.ActorID,
		Severity:   SeverityWarning,
		Outcome:    OutcomeFailure,
		Reason:     d.Reason,
	},
		"role", d.Role,
		"attempted", d.Action,
	)
}

// OnReconciliationMismatch implements plugin.OnReconciliationMismatch.
func (e *Extension) OnReconciliationMismatch(ctx context.Context, f auditor.Finding) error {
	return e.record(ctx, &AuditEvent{
		Action:     ActionReconciliationMismatch,
		Resource:   ResourceInvoice,
		Category:   CategoryReconciliation,
		ResourceID: f.InvoiceID,
		OrgID:      f.OrgID,
		Severity:   SeverityCritical,
		Outcome:    OutcomeFailure,
		Reason:     f.Check,
	},
		"payment_id", f.PaymentID,
		"refund_id", f.RefundID,
		"stored", f.Stored,
		"recomputed", f.Recomputed,
		"detail", f.Detail,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record fills metadata and sends evt if its action is enabled. Recorder
// failures are logged, never returned: the ledger write has already
// committed.
func (e *Extension) record(ctx context.Context, evt *AuditEvent, kvPairs ...any) error {
	if e.enabled != nil && !e.enabled[evt.Action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		if s, isStr := kvPairs[i+1].(string); isStr && s == "" {
			continue
		}
		meta[key] = kvPairs[i+1]
	}
	if len(meta) > 0 {
		evt.Metadata = meta
	}

	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("failed to record audit event",
			zap.String("action", evt.Action),
			zap.String("resource_id", evt.ResourceID),
			zap.Error(err),
		)
	}
	return nil
}

// NewLogRecorder returns a Recorder that writes each event as one structured
// log line, for deployments that ship logs to their audit trail.
func NewLogRecorder(logger *zap.Logger) Recorder {
	logger = logger.Named("audit_trail")
	return RecorderFunc(func(_ context.Context, evt *AuditEvent) error {
		fields := []zap.Field{
			zap.String("action", evt.Action),
			zap.String("resource", evt.Resource),
			zap.String("resource_id", evt.ResourceID),
			zap.String("org_id", evt.OrgID),
			zap.String("actor_id", evt.ActorID),
			zap.String("outcome", evt.Outcome),
			zap.Any("metadata", evt.Metadata),
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Severity == SeverityCritical || evt.Severity == SeverityError || evt.Severity == SeverityWarning {
			logger.Warn(evt.Category, fields...)
			return nil
		}
		logger.Info(evt.Category, fields...)
		return nil
	})
}
