package audithook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	audithook "github.com/clinicos/ledger/audit_hook"
	"github.com/clinicos/ledger/auditor"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/plugin"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/types"
)

type captured struct {
	events []*audithook.AuditEvent
	err    error
}

func (c *captured) recorder() audithook.RecorderFunc {
	return func(_ context.Context, e *audithook.AuditEvent) error {
		c.events = append(c.events, e)
		return c.err
	}
}

func paidInvoice() *invoice.Invoice {
	return &invoice.Invoice{
		ID:               id.NewInvoiceID(),
		OrgID:            "org_1",
		Status:           invoice.StatusPaid,
		Currency:         "thb",
		GrandTotal:       types.THB(100000),
		PaidTotal:        types.THB(100000),
		OverpaymentTotal: types.THB(50000),
	}
}

func TestOnPaymentConfirmed_Overpayment(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())

	inv := paidInvoice()
	p := &payment.Payment{
		ID:          id.NewPaymentID(),
		OrgID:       "org_1",
		InvoiceID:   inv.ID,
		Amount:      types.THB(150000),
		Applied:     types.THB(100000),
		Overpayment: types.THB(50000),
		Method:      payment.MethodTransfer,
		CreatedBy:   "usr_cashier",
	}

	require.NoError(t, ext.OnPaymentConfirmed(context.Background(), inv, p))
	require.Len(t, c.events, 2)

	assert.Equal(t, audithook.ActionPaymentConfirmed, c.events[0].Action)
	assert.Equal(t, p.ID.String(), c.events[0].ResourceID)
	assert.Equal(t, "usr_cashier", c.events[0].ActorID)
	assert.Equal(t, int64(100000), c.events[0].Metadata["applied"])
	assert.Equal(t, "PAID", c.events[0].Metadata["status_after"])

	assert.Equal(t, audithook.ActionPaymentOverpayment, c.events[1].Action)
	assert.Equal(t, audithook.SeverityWarning, c.events[1].Severity)
	assert.Equal(t, int64(50000), c.events[1].Metadata["overpayment"])
}

func TestOnPaymentConfirmed_NoOverpayment(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())

	inv := paidInvoice()
	p := &payment.Payment{
		ID: id.NewPaymentID(), OrgID: "org_1", InvoiceID: inv.ID,
		Amount: types.THB(100000), Applied: types.THB(100000), Overpayment: types.THB(0),
	}
	require.NoError(t, ext.OnPaymentConfirmed(context.Background(), inv, p))
	assert.Len(t, c.events, 1)
}

func TestOnRefundCreated(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())

	inv := paidInvoice()
	r := &refund.Refund{
		ID: id.NewRefundID(), OrgID: "org_1", InvoiceID: inv.ID, PaymentID: id.NewPaymentID(),
		Amount: types.THB(40000), Reason: "treatment not performed", CreatedBy: "usr_mgr",
	}
	require.NoError(t, ext.OnRefundCreated(context.Background(), inv, r))
	require.Len(t, c.events, 1)

	e := c.events[0]
	assert.Equal(t, audithook.ActionRefundCreated, e.Action)
	assert.Equal(t, audithook.ResourceRefund, e.Resource)
	assert.Equal(t, "treatment not performed", e.Reason)
	assert.Equal(t, r.PaymentID.String(), e.Metadata["payment_id"])
}

func TestOnAccessDeniedAndMismatch(t *testing.T) {
	c := &captured{}
	ext := audithook.New(c.recorder())
	ctx := context.Background()

	require.NoError(t, ext.OnAccessDenied(ctx, plugin.AccessDenial{
		OrgID: "org_1", ActorID: "usr_doc", Role: "doctor", Action: "payment.confirmed", Reason: "denied",
	}))
	require.NoError(t, ext.OnReconciliationMismatch(ctx, auditor.Finding{
		OrgID: "org_1", InvoiceID: "inv_x", Check: auditor.CheckPaidTotal, Stored: 1, Recomputed: 2,
	}))

	require.Len(t, c.events, 2)
	assert.Equal(t, audithook.OutcomeFailure, c.events[0].Outcome)
	assert.Equal(t, "doctor", c.events[0].Metadata["role"])
	assert.NotContains(t, c.events[0].Metadata, "resource")

	assert.Equal(t, audithook.SeverityCritical, c.events[1].Severity)
	assert.Equal(t, auditor.CheckPaidTotal, c.events[1].Reason)
	assert.NotContains(t, c.events[1].Metadata, "payment_id")
}

func TestEnabledAndDisabledActions(t *testing.T) {
	ctx := context.Background()
	inv := paidInvoice()

	only := &captured{}
	ext := audithook.New(only.recorder(), audithook.WithEnabledActions(audithook.ActionInvoicePaid))
	require.NoError(t, ext.OnInvoiceCreated(ctx, inv))
	require.NoError(t, ext.OnInvoicePaid(ctx, inv))
	require.Len(t, only.events, 1)
	assert.Equal(t, audithook.ActionInvoicePaid, only.events[0].Action)

	skip := &captured{}
	ext = audithook.New(skip.recorder(), audithook.WithDisabledActions(audithook.ActionInvoicePaid))
	require.NoError(t, ext.OnInvoiceCreated(ctx, inv))
	require.NoError(t, ext.OnInvoicePaid(ctx, inv))
	require.Len(t, skip.events, 1)
	assert.Equal(t, audithook.ActionInvoiceCreated, skip.events[0].Action)
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	c := &captured{err: errors.New("siem down")}
	ext := audithook.New(c.recorder())

	assert.NoError(t, ext.OnInvoiceCancelled(context.Background(), paidInvoice()))
	assert.Len(t, c.events, 1)
}

func TestLogRecorder(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ext := audithook.New(audithook.NewLogRecorder(zap.New(core)))

	require.NoError(t, ext.OnInvoicePaid(context.Background(), paidInvoice()))
	require.NoError(t, ext.OnAccessDenied(context.Background(), plugin.AccessDenial{
		OrgID: "org_1", ActorID: "usr_1", Action: "payment.confirmed", Reason: "denied",
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "org_1", entries[0].ContextMap()["org_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "denied", entries[1].ContextMap()["reason"])
}
