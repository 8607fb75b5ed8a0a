// Package observability provides a metrics plugin that counts ledger
// events through a MetricFactory.
package observability

import (
	"context"

	"github.com/clinicos/ledger/auditor"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/plugin"
	"github.com/clinicos/ledger/refund"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                   = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceCreated         = (*MetricsExtension)(nil)
	_ plugin.OnInvoicePaid            = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceCancelled       = (*MetricsExtension)(nil)
	_ plugin.OnPaymentConfirmed       = (*MetricsExtension)(nil)
	_ plugin.OnRefundCreated          = (*MetricsExtension)(nil)
	_ plugin.OnAccessDenied           = (*MetricsExtension)(nil)
	_ plugin.OnReconciliationMismatch = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records ledger event metrics.
// Register it as a Ledger plugin to track payments and refunds.
type MetricsExtension struct {
	// Invoice metrics
	InvoiceCreated   Counter
	InvoicePaid      Counter
	InvoiceCancelled Counter
	InvoiceTotal     Histogram

	// Payment metrics
	PaymentConfirmed  Counter
	PaymentAmount     Histogram
	OverpaymentCount  Counter
	OverpaymentAmount Counter

	// Refund metrics
	RefundCreated Counter
	RefundAmount  Histogram

	// Safety metrics
	AccessDenied           Counter
	ReconciliationMismatch Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Amounts are observed in minor units.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		InvoiceCreated:   factory.Counter("ledger.invoice.created"),
		InvoicePaid:      factory.Counter("ledger.invoice.paid"),
		InvoiceCancelled: factory.Counter("ledger.invoice.cancelled"),
		InvoiceTotal:     factory.Histogram("ledger.invoice.grand_total"),

		PaymentConfirmed:  factory.Counter("ledger.payment.confirmed"),
		PaymentAmount:     factory.Histogram("ledger.payment.amount"),
		OverpaymentCount:  factory.Counter("ledger.payment.overpayment.count"),
		OverpaymentAmount: factory.Counter("ledger.payment.overpayment.amount"),

		RefundCreated: factory.Counter("ledger.refund.created"),
		RefundAmount:  factory.Histogram("ledger.refund.amount"),

		AccessDenied:           factory.Counter("ledger.access.denied"),
		ReconciliationMismatch: factory.Counter("ledger.reconciliation.mismatch"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInvoiceCreated implements plugin.OnInvoiceCreated.
func (m *MetricsExtension) OnInvoiceCreated(_ context.Context, inv *invoice.Invoice) error {
	m.InvoiceCreated.Inc()
	m.InvoiceTotal.Observe(float64(inv.GrandTotal.Amount))
	return nil
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (m *MetricsExtension) OnInvoicePaid(_ context.Context, _ *invoice.Invoice) error {
	m.InvoicePaid.Inc()
	return nil
}

// OnInvoiceCancelled implements plugin.OnInvoiceCancelled.
func (m *MetricsExtension) OnInvoiceCancelled(_ context.Context, _ *invoice.Invoice) error {
	m.InvoiceCancelled.Inc()
	return nil
}

// OnPaymentConfirmed implements plugin.OnPaymentConfirmed.
func (m *MetricsExtension) OnPaymentConfirmed(_ context.Context, _ *invoice.Invoice, p *payment.Payment) error {
	m.PaymentConfirmed.Inc()
	m.PaymentAmount.Observe(float64(p.Amount.Amount))
	if p.Overpayment.IsPositive() {
		m.OverpaymentCount.Inc()
		m.OverpaymentAmount.Add(float64(p.Overpayment.Amount))
	}
	return nil
}

// OnRefundCreated implements plugin.OnRefundCreated.
func (m *MetricsExtension) OnRefundCreated(_ context.Context, _ *invoice.Invoice, r *refund.Refund) error {
	m.RefundCreated.Inc()
	m.RefundAmount.Observe(float64(r.Amount.Amount))
	return nil
}

// OnAccessDenied implements plugin.OnAccessDenied.
func (m *MetricsExtension) OnAccessDenied(_ context.Context, _ plugin.AccessDenial) error {
	m.AccessDenied.Inc()
	return nil
}

// OnReconciliationMismatch implements plugin.OnReconciliationMismatch.
func (m *MetricsExtension) OnReconciliationMismatch(_ context.Context, _ auditor.Finding) error {
	m.ReconciliationMismatch.Inc()
	return nil
}
