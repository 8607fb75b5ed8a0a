package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/types"
)

// ConfirmPaymentInput is a request to apply money received to an invoice.
type ConfirmPaymentInput struct {
	InvoiceID      id.InvoiceID   `json:"-"`
	Amount         int64          `json:"amount" validate:"gt=0,lte=1000000000000000"`
	Method         payment.Method `json:"method" validate:"required,oneof=cash transfer card other"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=255"`
	Reference      string         `json:"reference,omitempty" validate:"max=255"`
}

var confirmPaymentFieldErrs = map[string]error{
	"Amount":         ErrInvalidAmount,
	"Method":         ErrInvalidMethod,
	"IdempotencyKey": ErrIdempotencyKeyRequired,
}

// PaymentResult is the outcome of ConfirmPayment. IsReplay is true when the
// idempotency key had already been used on the invoice and Payment is the
// original record.
type PaymentResult struct {
	PaymentID id.PaymentID     `json:"paymentId"`
	Payment   *payment.Payment `json:"payment"`
	Invoice   *invoice.Invoice `json:"-"`
	IsReplay  bool             `json:"idempotency"`
}

// ConfirmPayment applies a payment to an invoice.
//
// The payment row, the invoice's updated totals and its audit entry commit
// in one transaction. Remaining is recomputed from the invoice's committed
// payments inside that transaction; whatever part of amount exceeds it is
// recorded as overpayment, never rejected or discarded.
func (l *Ledger) ConfirmPayment(ctx context.Context, actor Actor, in ConfirmPaymentInput) (*PaymentResult, error) {
	if err := l.validateStruct(in, confirmPaymentFieldErrs); err != nil {
		return nil, err
	}
	if in.InvoiceID.IsNil() {
		return nil, errors.Wrap(ErrInvoiceNotFound, "missing invoice id")
	}
	if err := l.authorizeWrite(ctx, actor, audit.ActionPaymentConfirmed, ""); err != nil {
		return nil, err
	}

	var (
		result   *PaymentResult
		paidNow  bool
		attempts int
	)
	err := l.runTx(ctx, audit.ActionPaymentConfirmed, func(ctx context.Context, tx store.Tx) error {
		attempts++
		result, paidNow = nil, false

		inv, err := l.lockInvoice(ctx, tx, actor, in.InvoiceID, audit.ActionPaymentConfirmed)
		if err != nil {
			return err
		}

		existing, err := tx.FindPaymentByKey(ctx, inv.ID, in.IdempotencyKey)
		switch {
		case err == nil:
			result = &PaymentResult{PaymentID: existing.ID, Payment: existing, Invoice: inv, IsReplay: true}
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if inv.IsClosed() {
			return invariant(ErrInvoiceClosed, "no_payment_on_cancelled", "invoice %s is %s", inv.ID, inv.Status)
		}

		prior, err := tx.ListPaymentsByInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		outstanding, err := outstandingAfter(inv, prior)
		if err != nil {
			return err
		}

		now := l.now()
		amount := types.New(in.Amount, inv.Currency)
		applied, over := payment.Split(amount, outstanding)

		p := &payment.Payment{
			Entity:         types.NewEntity(now),
			ID:             id.NewPaymentID(),
			OrgID:          inv.OrgID,
			InvoiceID:      inv.ID,
			IdempotencyKey: in.IdempotencyKey,
			Seq:            int64(len(prior)) + 1,
			Amount:         amount,
			Applied:        applied,
			Overpayment:    over,
			Method:         in.Method,
			Reference:      in.Reference,
			CreatedBy:      actor.ID,
		}

		if inv.PaidTotal, err = inv.PaidTotal.Add(applied); err != nil {
			return err
		}
		if inv.OverpaymentTotal, err = inv.OverpaymentTotal.Add(over); err != nil {
			return err
		}
		if inv.Status == invoice.StatusPending && inv.PaidTotal.Cmp(inv.GrandTotal) >= 0 {
			stamp := now.UTC().Truncate(time.Millisecond)
			inv.Status = invoice.StatusPaid
			inv.PaidAt = &stamp
			paidNow = true
		}
		inv.Touch(now)

		if v := inv.CheckInvariants(); len(v) > 0 {
			return invariant(ErrInvariantViolation, v[0].Rule, "%s", v[0].Detail)
		}

		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		entry, err := audit.NewEntry(inv.OrgID, audit.EntityPayment, p.ID.String(), audit.ActionPaymentConfirmed, actor.ID, now, map[string]any{
			"invoice_id":      inv.ID.String(),
			"amount":          p.Amount.Amount,
			"applied":         p.Applied.Amount,
			"overpayment":     p.Overpayment.Amount,
			"method":          p.Method,
			"idempotency_key": p.IdempotencyKey,
			"status_after":    inv.Status,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		result = &PaymentResult{PaymentID: p.ID, Payment: p, Invoice: inv}
		return nil
	})
	if err != nil {
		l.logFailure("confirm payment failed", actor, in.InvoiceID, err)
		return nil, err
	}

	if result.IsReplay {
		l.logger.Info("idempotent payment replay",
			zap.String("org_id", actor.OrgID),
			zap.String("invoice_id", in.InvoiceID.String()),
			zap.String("payment_id", result.PaymentID.String()),
		)
		return result, nil
	}

	l.logger.Info("payment confirmed",
		zap.String("org_id", actor.OrgID),
		zap.String("invoice_id", in.InvoiceID.String()),
		zap.String("payment_id", result.PaymentID.String()),
		zap.Int64("applied", result.Payment.Applied.Amount),
		zap.Int64("overpayment", result.Payment.Overpayment.Amount),
		zap.Int("attempts", attempts),
	)

	l.plugins.EmitPaymentConfirmed(ctx, result.Invoice, result.Payment)
	if paidNow {
		l.plugins.EmitInvoicePaid(ctx, result.Invoice)
	}
	return result, nil
}

// outstandingAfter is grand_total minus the applied amounts of prior,
// floored at zero.
func outstandingAfter(inv *invoice.Invoice, prior []*payment.Payment) (types.Money, error) {
	applied := types.Zero(inv.Currency)
	for _, p := range prior {
		var err error
		if applied, err = applied.Add(p.Applied); err != nil {
			return types.Money{}, errors.Wrapf(err, "payment %s", p.ID)
		}
	}
	rem, err := inv.GrandTotal.Sub(applied)
	if err != nil {
		return types.Money{}, err
	}
	return rem.ClampZero(), nil
}
