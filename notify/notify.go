// Package notify publishes committed ledger events to a message bus.
//
// Receipt rendering and the AI context pipeline subscribe to these topics.
// Publishing happens after the ledger transaction has committed, so a bus
// outage loses notifications but never a payment; consumers that need a
// complete history read the ledger itself.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/plugin"
	"github.com/clinicos/ledger/refund"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin             = (*Notifier)(nil)
	_ plugin.OnPaymentConfirmed = (*Notifier)(nil)
	_ plugin.OnInvoicePaid      = (*Notifier)(nil)
	_ plugin.OnRefundCreated    = (*Notifier)(nil)
	_ plugin.OnInvoiceCancelled = (*Notifier)(nil)
	_ plugin.OnShutdown         = (*Notifier)(nil)
)

// Event types.
const (
	EventPaymentConfirmed = "payment.confirmed"
	EventInvoicePaid      = "invoice.paid"
	EventInvoiceCancelled = "invoice.cancelled"
	EventRefundCreated    = "refund.created"
)

// Message metadata keys.
const (
	MetadataOrgID        = "org_id"
	MetadataEventType    = "event_type"
	MetadataPartitionKey = "partition_key"
	MetadataDedupKey     = "dedup_key"
)

// Topics names the destination of each event type. An empty topic
// disables that event.
type Topics struct {
	PaymentConfirmed string
	InvoicePaid      string
	InvoiceCancelled string
	RefundCreated    string
}

// DefaultTopics returns the topic layout used when none is configured.
func DefaultTopics() Topics {
	return Topics{
		PaymentConfirmed: "ledger.payments",
		InvoicePaid:      "ledger.invoices",
		InvoiceCancelled: "ledger.invoices",
		RefundCreated:    "ledger.refunds",
	}
}

// Event is the JSON body of every published message.
type Event struct {
	Type       string           `json:"type"`
	OrgID      string           `json:"org_id"`
	InvoiceID  string           `json:"invoice_id"`
	OccurredAt time.Time        `json:"occurred_at"`
	Invoice    *InvoiceSnapshot `json:"invoice"`
	Payment    *payment.Payment `json:"payment,omitempty"`
	Refund     *refund.Refund   `json:"refund,omitempty"`
}

// InvoiceSnapshot is the invoice state after the event.
type InvoiceSnapshot struct {
	Status           invoice.Status `json:"status"`
	Currency         string         `json:"currency"`
	GrandTotal       int64          `json:"grand_total"`
	PaidTotal        int64          `json:"paid_total"`
	RefundedTotal    int64          `json:"refunded_total"`
	OverpaymentTotal int64          `json:"overpayment_total"`
	Remaining        int64          `json:"remaining"`
}

func snapshot(inv *invoice.Invoice) *InvoiceSnapshot {
	return &InvoiceSnapshot{
		Status:           inv.Status,
		Currency:         inv.Currency,
		GrandTotal:       inv.GrandTotal.Amount,
		PaidTotal:        inv.PaidTotal.Amount,
		RefundedTotal:    inv.RefundedTotal.Amount,
		OverpaymentTotal: inv.OverpaymentTotal.Amount,
		Remaining:        inv.Remaining().Amount,
	}
}

// Notifier is a ledger plugin publishing events through a watermill
// publisher.
type Notifier struct {
	pub    message.Publisher
	topics Topics
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTopics overrides DefaultTopics.
func WithTopics(t Topics) Option {
	return func(n *Notifier) { n.topics = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Notifier) { n.logger = l.Named("notify") }
}

// New creates a Notifier publishing to pub. The Notifier closes pub on
// ledger shutdown.
func New(pub message.Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		pub:    pub,
		topics: DefaultTopics(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name implements plugin.Plugin.
func (n *Notifier) Name() string { return "notify" }

// OnPaymentConfirmed implements plugin.OnPaymentConfirmed.
func (n *Notifier) OnPaymentConfirmed(ctx context.Context, inv *invoice.Invoice, p *payment.Payment) error {
	return n.publish(ctx, n.topics.PaymentConfirmed, p.ID.String(), &Event{
		Type:    EventPaymentConfirmed,
		Invoice: snapshot(inv),
		Payment: p,
	}, inv)
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (n *Notifier) OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error {
	return n.publish(ctx, n.topics.InvoicePaid, inv.ID.String()+":paid", &Event{
		Type:    EventInvoicePaid,
		Invoice: snapshot(inv),
	}, inv)
}

// OnInvoiceCancelled implements plugin.OnInvoiceCancelled.
func (n *Notifier) OnInvoiceCancelled(ctx context.Context, inv *invoice.Invoice) error {
	return n.publish(ctx, n.topics.InvoiceCancelled, inv.ID.String()+":cancelled", &Event{
		Type:    EventInvoiceCancelled,
		Invoice: snapshot(inv),
	}, inv)
}

// OnRefundCreated implements plugin.OnRefundCreated.
func (n *Notifier) OnRefundCreated(ctx context.Context, inv *invoice.Invoice, r *refund.Refund) error {
	return n.publish(ctx, n.topics.RefundCreated, r.ID.String(), &Event{
		Type:    EventRefundCreated,
		Invoice: snapshot(inv),
		Refund:  r,
	}, inv)
}

// OnShutdown implements plugin.OnShutdown.
func (n *Notifier) OnShutdown(_ context.Context) error {
	return n.pub.Close()
}

// publish sends evt on topic. dedupKey is stable for a given ledger record
// so consumers can drop redeliveries; the message UUID is not.
func (n *Notifier) publish(ctx context.Context, topic, dedupKey string, evt *Event, inv *invoice.Invoice) error {
	if topic == "" {
		return nil
	}

	evt.OrgID = inv.OrgID
	evt.InvoiceID = inv.ID.String()
	evt.OccurredAt = n.now().UTC()

	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrapf(err, "notify: marshal %s", evt.Type)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataOrgID, inv.OrgID)
	msg.Metadata.Set(MetadataEventType, evt.Type)
	msg.Metadata.Set(MetadataPartitionKey, inv.OrgID+":"+inv.ID.String())
	msg.Metadata.Set(MetadataDedupKey, dedupKey)

	if err := n.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "notify: publish %s to %s", evt.Type, topic)
	}

	n.logger.Debug("event published",
		zap.String("type", evt.Type),
		zap.String("topic", topic),
		zap.String("org_id", inv.OrgID),
		zap.String("invoice_id", evt.InvoiceID),
	)
	return nil
}
