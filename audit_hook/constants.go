package audithook

// Action constants for audit events.
const (
	ActionInvoiceCreated   = "invoice.created"
	ActionInvoicePaid      = "invoice.paid"
	ActionInvoiceCancelled = "invoice.cancelled"

	ActionPaymentConfirmed   = "payment.confirmed"
	ActionPaymentOverpayment = "payment.overpayment"

	ActionRefundCreated = "refund.created"

	ActionAccessDenied = "access.denied"

	ActionReconciliationMismatch = "reconciliation.mismatch"
)

// Resource constants for audit events.
const (
	ResourceInvoice = "invoice"
	ResourcePayment = "payment"
	ResourceRefund  = "refund"
	ResourceAccess  = "access"
)

// Category constants for audit events.
const (
	CategoryBilling        = "billing"
	CategoryPayment        = "payment"
	CategoryAccess         = "access"
	CategoryReconciliation = "reconciliation"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

func allActions() []string {
	return []string{
		ActionInvoiceCreated,
		ActionInvoicePaid,
		ActionInvoiceCancelled,
		ActionPaymentConfirmed,
		ActionPaymentOverpayment,
		ActionRefundCreated,
		ActionAccessDenied,
		ActionReconciliationMismatch,
	}
}
