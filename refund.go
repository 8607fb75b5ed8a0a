package ledger

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/types"
)

// CreateRefundInput is a request to return money from one payment.
type CreateRefundInput struct {
	InvoiceID id.InvoiceID `json:"-"`
	PaymentID id.PaymentID `json:"payment_id"`
	Amount    int64        `json:"amount" validate:"gt=0,lte=1000000000000000"`
	Reason    string       `json:"reason" validate:"required,max=1024"`
}

var createRefundFieldErrs = map[string]error{
	"Amount": ErrInvalidAmount,
	"Reason": ErrReasonRequired,
}

// RefundResult is the outcome of CreateRefund.
type RefundResult struct {
	RefundID  id.RefundID      `json:"refundId"`
	InvoiceID id.InvoiceID     `json:"invoiceId"`
	Refund    *refund.Refund   `json:"refund"`
	Invoice   *invoice.Invoice `json:"-"`
}

// CreateRefund returns part or all of a payment's applied amount.
//
// The refundable amount is the payment's applied portion minus every refund
// already recorded against it, read inside the same transaction that
// inserts the refund. Refunds never change invoice status or paid_total.
func (l *Ledger) CreateRefund(ctx context.Context, actor Actor, in CreateRefundInput) (*RefundResult, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := l.validateStruct(in, createRefundFieldErrs); err != nil {
		return nil, err
	}
	if in.InvoiceID.IsNil() {
		return nil, errors.Wrap(ErrInvoiceNotFound, "missing invoice id")
	}
	if in.PaymentID.IsNil() {
		return nil, errors.Wrap(ErrPaymentNotFound, "missing payment id")
	}
	if err := l.authorizeWrite(ctx, actor, audit.ActionRefundCreated, ""); err != nil {
		return nil, err
	}

	var result *RefundResult
	err := l.runTx(ctx, audit.ActionRefundCreated, func(ctx context.Context, tx store.Tx) error {
		result = nil

		inv, err := l.lockInvoice(ctx, tx, actor, in.InvoiceID, audit.ActionRefundCreated)
		if err != nil {
			return err
		}
		if inv.Status != invoice.StatusPaid {
			return invariant(ErrInvoiceNotPaid, "refund_requires_paid_invoice", "invoice %s is %s", inv.ID, inv.Status)
		}

		pay, err := tx.GetPayment(ctx, inv.ID, in.PaymentID)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrPaymentNotFound, "%s on invoice %s", in.PaymentID, inv.ID)
		}
		if err != nil {
			return err
		}

		existing, err := tx.ListRefundsByPayment(ctx, pay.ID)
		if err != nil {
			return err
		}
		already := types.Zero(inv.Currency)
		for _, r := range existing {
			if already, err = already.Add(r.Amount); err != nil {
				return err
			}
		}
		maxRefundable, err := pay.Applied.Sub(already)
		if err != nil {
			return err
		}
		amount := types.New(in.Amount, inv.Currency)
		if amount.Cmp(maxRefundable) > 0 {
			return invariant(ErrRefundExceedsPayment, "refund_within_applied",
				"requested %d exceeds refundable %d of payment %s", amount.Amount, maxRefundable.ClampZero().Amount, pay.ID)
		}

		now := l.now()
		r := &refund.Refund{
			Entity:    types.NewEntity(now),
			ID:        id.NewRefundID(),
			OrgID:     inv.OrgID,
			InvoiceID: inv.ID,
			PaymentID: pay.ID,
			Amount:    amount,
			Reason:    in.Reason,
			CreatedBy: actor.ID,
		}

		if inv.RefundedTotal, err = inv.RefundedTotal.Add(amount); err != nil {
			return err
		}
		inv.Touch(now)
		if v := inv.CheckInvariants(); len(v) > 0 {
			return invariant(ErrInvariantViolation, v[0].Rule, "%s", v[0].Detail)
		}

		if err := tx.InsertRefund(ctx, r); err != nil {
			return err
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		entry, err := audit.NewEntry(inv.OrgID, audit.EntityRefund, r.ID.String(), audit.ActionRefundCreated, actor.ID, now, map[string]any{
			"invoice_id": inv.ID.String(),
			"payment_id": pay.ID.String(),
			"amount":     r.Amount.Amount,
			"reason":     r.Reason,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}

		result = &RefundResult{RefundID: r.ID, InvoiceID: inv.ID, Refund: r, Invoice: inv}
		return nil
	})
	if err != nil {
		l.logFailure("create refund failed", actor, in.InvoiceID, err)
		return nil, err
	}

	l.logger.Info("refund created",
		zap.String("org_id", actor.OrgID),
		zap.String("invoice_id", in.InvoiceID.String()),
		zap.String("payment_id", in.PaymentID.String()),
		zap.String("refund_id", result.RefundID.String()),
		zap.Int64("amount", result.Refund.Amount.Amount),
	)

	l.plugins.EmitRefundCreated(ctx, result.Invoice, result.Refund)
	return result, nil
}
