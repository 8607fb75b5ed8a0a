package mongo

import (
	"time"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/types"
)

// ==================== Invoice models ====================

type invoiceModel struct {
	ID               string            `bson:"_id"`
	OrgID            string            `bson:"org_id"`
	BranchID         string            `bson:"branch_id"`
	Status           string            `bson:"status"`
	Currency         string            `bson:"currency"`
	LineItems        []lineItemModel   `bson:"line_items"`
	Subtotal         int64             `bson:"subtotal"`
	DiscountTotal    int64             `bson:"discount_total"`
	TaxTotal         int64             `bson:"tax_total"`
	GrandTotal       int64             `bson:"grand_total"`
	PaidTotal        int64             `bson:"paid_total"`
	RefundedTotal    int64             `bson:"refunded_total"`
	OverpaymentTotal int64             `bson:"overpayment_total"`
	PaidAt           *time.Time        `bson:"paid_at,omitempty"`
	CancelledAt      *time.Time        `bson:"cancelled_at,omitempty"`
	CancelReason     string            `bson:"cancel_reason,omitempty"`
	CreatedBy        string            `bson:"created_by"`
	Metadata         map[string]string `bson:"metadata,omitempty"`
	LockVersion      int64             `bson:"lock_version"`
	CreatedAt        time.Time         `bson:"created_at"`
	UpdatedAt        time.Time         `bson:"updated_at"`
}

type lineItemModel struct {
	ID          string `bson:"id"`
	TreatmentID string `bson:"treatment_id"`
	Description string `bson:"description,omitempty"`
	Quantity    int64  `bson:"quantity"`
	UnitPrice   int64  `bson:"unit_price"`
	Discount    int64  `bson:"discount"`
	LineTotal   int64  `bson:"line_total"`
}

func toInvoiceModel(inv *invoice.Invoice) *invoiceModel {
	lines := make([]lineItemModel, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		lines = append(lines, lineItemModel{
			ID:          li.ID.String(),
			TreatmentID: li.TreatmentID,
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice.Amount,
			Discount:    li.Discount.Amount,
			LineTotal:   li.LineTotal.Amount,
		})
	}
	return &invoiceModel{
		ID:               inv.ID.String(),
		OrgID:            inv.OrgID,
		BranchID:         inv.BranchID,
		Status:           string(inv.Status),
		Currency:         inv.Currency,
		LineItems:        lines,
		Subtotal:         inv.Subtotal.Amount,
		DiscountTotal:    inv.DiscountTotal.Amount,
		TaxTotal:         inv.TaxTotal.Amount,
		GrandTotal:       inv.GrandTotal.Amount,
		PaidTotal:        inv.PaidTotal.Amount,
		RefundedTotal:    inv.RefundedTotal.Amount,
		OverpaymentTotal: inv.OverpaymentTotal.Amount,
		PaidAt:           inv.PaidAt,
		CancelledAt:      inv.CancelledAt,
		CancelReason:     inv.CancelReason,
		CreatedBy:        inv.CreatedBy,
		Metadata:         inv.Metadata,
		CreatedAt:        inv.CreatedAt,
		UpdatedAt:        inv.UpdatedAt,
	}
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	invID, err := id.ParseInvoiceID(m.ID)
	if err != nil {
		return nil, err
	}

	money := func(v int64) types.Money { return types.New(v, m.Currency) }

	var lines []invoice.LineItem
	for _, lm := range m.LineItems {
		liID, err := id.ParseLineItemID(lm.ID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, invoice.LineItem{
			ID:          liID,
			TreatmentID: lm.TreatmentID,
			Description: lm.Description,
			Quantity:    lm.Quantity,
			UnitPrice:   money(lm.UnitPrice),
			Discount:    money(lm.Discount),
			LineTotal:   money(lm.LineTotal),
		})
	}

	return &invoice.Invoice{
		Entity:           types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:               invID,
		OrgID:            m.OrgID,
		BranchID:         m.BranchID,
		Status:           invoice.Status(m.Status),
		Currency:         m.Currency,
		LineItems:        lines,
		Subtotal:         money(m.Subtotal),
		DiscountTotal:    money(m.DiscountTotal),
		TaxTotal:         money(m.TaxTotal),
		GrandTotal:       money(m.GrandTotal),
		PaidTotal:        money(m.PaidTotal),
		RefundedTotal:    money(m.RefundedTotal),
		OverpaymentTotal: money(m.OverpaymentTotal),
		PaidAt:           utcPtr(m.PaidAt),
		CancelledAt:      utcPtr(m.CancelledAt),
		CancelReason:     m.CancelReason,
		CreatedBy:        m.CreatedBy,
		Metadata:         m.Metadata,
	}, nil
}

// ==================== Payment models ====================

type paymentModel struct {
	ID             string    `bson:"_id"`
	OrgID          string    `bson:"org_id"`
	InvoiceID      string    `bson:"invoice_id"`
	IdempotencyKey string    `bson:"idempotency_key"`
	Seq            int64     `bson:"seq"`
	Currency       string    `bson:"currency"`
	Amount         int64     `bson:"amount"`
	Applied        int64     `bson:"applied"`
	Overpayment    int64     `bson:"overpayment"`
	Method         string    `bson:"method"`
	Reference      string    `bson:"reference,omitempty"`
	CreatedBy      string    `bson:"created_by"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toPaymentModel(p *payment.Payment) *paymentModel {
	return &paymentModel{
		ID:             p.ID.String(),
		OrgID:          p.OrgID,
		InvoiceID:      p.InvoiceID.String(),
		IdempotencyKey: p.IdempotencyKey,
		Seq:            p.Seq,
		Currency:       p.Amount.Currency,
		Amount:         p.Amount.Amount,
		Applied:        p.Applied.Amount,
		Overpayment:    p.Overpayment.Amount,
		Method:         string(p.Method),
		Reference:      p.Reference,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Payment, error) {
	payID, err := id.ParsePaymentID(m.ID)
	if err != nil {
		return nil, err
	}
	invID, err := id.ParseInvoiceID(m.InvoiceID)
	if err != nil {
		return nil, err
	}
	return &payment.Payment{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             payID,
		OrgID:          m.OrgID,
		InvoiceID:      invID,
		IdempotencyKey: m.IdempotencyKey,
		Seq:            m.Seq,
		Amount:         types.New(m.Amount, m.Currency),
		Applied:        types.New(m.Applied, m.Currency),
		Overpayment:    types.New(m.Overpayment, m.Currency),
		Method:         payment.Method(m.Method),
		Reference:      m.Reference,
		CreatedBy:      m.CreatedBy,
	}, nil
}

// ==================== Refund models ====================

type refundModel struct {
	ID        string    `bson:"_id"`
	OrgID     string    `bson:"org_id"`
	InvoiceID string    `bson:"invoice_id"`
	PaymentID string    `bson:"payment_id"`
	Currency  string    `bson:"currency"`
	Amount    int64     `bson:"amount"`
	Reason    string    `bson:"reason"`
	CreatedBy string    `bson:"created_by"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toRefundModel(r *refund.Refund) *refundModel {
	return &refundModel{
		ID:        r.ID.String(),
		OrgID:     r.OrgID,
		InvoiceID: r.InvoiceID.String(),
		PaymentID: r.PaymentID.String(),
		Currency:  r.Amount.Currency,
		Amount:    r.Amount.Amount,
		Reason:    r.Reason,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func fromRefundModel(m *refundModel) (*refund.Refund, error) {
	rfdID, err := id.ParseRefundID(m.ID)
	if err != nil {
		return nil, err
	}
	invID, err := id.ParseInvoiceID(m.InvoiceID)
	if err != nil {
		return nil, err
	}
	payID, err := id.ParsePaymentID(m.PaymentID)
	if err != nil {
		return nil, err
	}
	return &refund.Refund{
		Entity:    types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:        rfdID,
		OrgID:     m.OrgID,
		InvoiceID: invID,
		PaymentID: payID,
		Amount:    types.New(m.Amount, m.Currency),
		Reason:    m.Reason,
		CreatedBy: m.CreatedBy,
	}, nil
}

// ==================== Audit models ====================

// auditModel keeps the payload as the JSON text the ledger produced so that
// entries read back byte-for-byte.
type auditModel struct {
	ID         string    `bson:"_id"`
	OrgID      string    `bson:"org_id"`
	EntityType string    `bson:"entity_type"`
	EntityID   string    `bson:"entity_id"`
	Action     string    `bson:"action"`
	ActorID    string    `bson:"actor_id"`
	Timestamp  time.Time `bson:"ts"`
	Payload    string    `bson:"payload,omitempty"`
}

func toAuditModel(e *audit.Entry) *auditModel {
	return &auditModel{
		ID:         e.ID.String(),
		OrgID:      e.OrgID,
		EntityType: string(e.EntityType),
		EntityID:   e.EntityID,
		Action:     e.Action,
		ActorID:    e.ActorID,
		Timestamp:  e.Timestamp,
		Payload:    string(e.Payload),
	}
}

func fromAuditModel(m *auditModel) (*audit.Entry, error) {
	audID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, err
	}
	e := &audit.Entry{
		ID:         audID,
		OrgID:      m.OrgID,
		EntityType: audit.EntityType(m.EntityType),
		EntityID:   m.EntityID,
		Action:     m.Action,
		ActorID:    m.ActorID,
		Timestamp:  m.Timestamp.UTC(),
	}
	if m.Payload != "" {
		e.Payload = []byte(m.Payload)
	}
	return e, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
