// Package ledger is the financial core of a multi-tenant clinic platform:
// invoices, payments applied to them, refunds issued against payments, and
// the audit trail that records every one of those writes.
//
// Ledger is designed as a library. Import it into the service that owns the
// clinic's billing and give it a store:
//
//	s, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	l := ledger.New(s, ledger.WithLogger(logger))
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop(ctx)
//
// # Money
//
// All amounts are int64 values in the currency's minor unit (satang for
// THB, cents for USD). Arithmetic is overflow-checked and never uses
// floating point.
//
// # Payments
//
// ConfirmPayment is idempotent per (invoice, idempotency key). The applied
// portion of a payment is capped at what the invoice still owes at the
// moment the payment is evaluated; the rest is tracked as overpayment:
//
//	res, err := l.ConfirmPayment(ctx, actor, ledger.ConfirmPaymentInput{
//	    InvoiceID:      invID,
//	    Amount:         150000,
//	    Method:         payment.MethodTransfer,
//	    IdempotencyKey: "pos-7f3a",
//	})
//
// A failed call with a retryable error (IsRetryable) can be resubmitted with
// the same key; if the first attempt committed, the original payment is
// returned with IsReplay set.
//
// # Refunds
//
// CreateRefund returns money from one payment of a PAID invoice. The sum of
// refunds on a payment never exceeds that payment's applied amount.
//
// # Invariants
//
// For every invoice at every point observable outside a transaction:
//
//	paid_total, refunded_total, overpayment_total >= 0
//	paid_total <= grand_total + overpayment_total
//	refunded_total <= paid_total
//	status == PAID  =>  paid_total >= grand_total
//	grand_total - paid_total + refunded_total >= 0
//
// The auditor package recomputes these from raw records without taking
// locks and reports any drift.
package ledger
