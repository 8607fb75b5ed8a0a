package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/notify"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/types"
)

func sampleInvoice() *invoice.Invoice {
	return &invoice.Invoice{
		ID:               id.NewInvoiceID(),
		OrgID:            "org_1",
		Status:           invoice.StatusPaid,
		Currency:         "thb",
		GrandTotal:       types.THB(100000),
		PaidTotal:        types.THB(100000),
		RefundedTotal:    types.THB(0),
		OverpaymentTotal: types.THB(50000),
	}
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestNotifier_PaymentConfirmed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := notify.NewChannelPublisher(8, zap.NewNop())
	msgs, err := bus.Subscribe(ctx, "ledger.payments")
	require.NoError(t, err)

	n := notify.New(bus)
	inv := sampleInvoice()
	p := &payment.Payment{
		ID:          id.NewPaymentID(),
		OrgID:       inv.OrgID,
		InvoiceID:   inv.ID,
		Amount:      types.THB(150000),
		Applied:     types.THB(100000),
		Overpayment: types.THB(50000),
		Method:      payment.MethodCash,
	}
	require.NoError(t, n.OnPaymentConfirmed(ctx, inv, p))

	msg := receive(t, msgs)
	assert.Equal(t, "org_1", msg.Metadata.Get(notify.MetadataOrgID))
	assert.Equal(t, notify.EventPaymentConfirmed, msg.Metadata.Get(notify.MetadataEventType))
	assert.Equal(t, "org_1:"+inv.ID.String(), msg.Metadata.Get(notify.MetadataPartitionKey))
	assert.Equal(t, p.ID.String(), msg.Metadata.Get(notify.MetadataDedupKey))

	var evt notify.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	assert.Equal(t, notify.EventPaymentConfirmed, evt.Type)
	assert.Equal(t, inv.ID.String(), evt.InvoiceID)
	require.NotNil(t, evt.Payment)
	assert.Equal(t, int64(50000), evt.Payment.Overpayment.Amount)
	assert.Equal(t, invoice.StatusPaid, evt.Invoice.Status)
	assert.Equal(t, int64(0), evt.Invoice.Remaining)
}

func TestNotifier_RefundAndDisabledTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := notify.NewChannelPublisher(8, zap.NewNop())
	refunds, err := bus.Subscribe(ctx, "refunds")
	require.NoError(t, err)
	invoices, err := bus.Subscribe(ctx, "ledger.invoices")
	require.NoError(t, err)

	n := notify.New(bus, notify.WithTopics(notify.Topics{RefundCreated: "refunds"}))
	inv := sampleInvoice()
	inv.RefundedTotal = types.THB(40000)

	require.NoError(t, n.OnInvoicePaid(ctx, inv))
	require.NoError(t, n.OnRefundCreated(ctx, inv, &refund.Refund{
		ID: id.NewRefundID(), OrgID: inv.OrgID, InvoiceID: inv.ID, PaymentID: id.NewPaymentID(),
		Amount: types.THB(40000), Reason: "duplicate charge",
	}))

	var evt notify.Event
	require.NoError(t, json.Unmarshal(receive(t, refunds).Payload, &evt))
	assert.Equal(t, notify.EventRefundCreated, evt.Type)
	assert.Equal(t, int64(40000), evt.Invoice.Remaining)
	assert.Equal(t, "duplicate charge", evt.Refund.Reason)

	select {
	case msg := <-invoices:
		t.Fatalf("unexpected message on disabled topic: %s", msg.UUID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_ShutdownClosesPublisher(t *testing.T) {
	bus := notify.NewChannelPublisher(1, zap.NewNop())
	n := notify.New(bus)

	require.NoError(t, n.OnShutdown(context.Background()))
	err := n.OnInvoicePaid(context.Background(), sampleInvoice())
	assert.Error(t, err)
}

func TestLoggerAdapter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a := notify.NewLoggerAdapter(zap.New(core)).With(map[string]any{"topic": "t"})

	a.Info("hello", map[string]any{"n": 1})
	a.Trace("trace", nil)
	a.Error("boom", assert.AnError, nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "t", entries[0].ContextMap()["topic"])
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
	assert.Equal(t, assert.AnError.Error(), entries[2].ContextMap()["error"])
}
