package postgres

import (
	"encoding/json"
	"time"

	"github.com/clinicos/ledger/audit"
	"github.com/clinicos/ledger/id"
	"github.com/clinicos/ledger/invoice"
	"github.com/clinicos/ledger/payment"
	"github.com/clinicos/ledger/refund"
	"github.com/clinicos/ledger/types"
)

// ==================== Invoice models ====================

const invoiceColumns = `id, org_id, branch_id, status, currency, line_items,
	subtotal, discount_total, tax_total, grand_total,
	paid_total, refunded_total, overpayment_total,
	paid_at, cancelled_at, cancel_reason, created_by, metadata, created_at, updated_at`

type invoiceModel struct {
	ID               string     `db:"id"`
	OrgID            string     `db:"org_id"`
	BranchID         string     `db:"branch_id"`
	Status           string     `db:"status"`
	Currency         string     `db:"currency"`
	LineItems        []byte     `db:"line_items"`
	Subtotal         int64      `db:"subtotal"`
	DiscountTotal    int64      `db:"discount_total"`
	TaxTotal         int64      `db:"tax_total"`
	GrandTotal       int64      `db:"grand_total"`
	PaidTotal        int64      `db:"paid_total"`
	RefundedTotal    int64      `db:"refunded_total"`
	OverpaymentTotal int64      `db:"overpayment_total"`
	PaidAt           *time.Time `db:"paid_at"`
	CancelledAt      *time.Time `db:"cancelled_at"`
	CancelReason     string     `db:"cancel_reason"`
	CreatedBy        string     `db:"created_by"`
	Metadata         []byte     `db:"metadata"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// args returns the column values in invoiceColumns order.
func (m *invoiceModel) args() []any {
	return []any{
		m.ID, m.OrgID, m.BranchID, m.Status, m.Currency, m.LineItems,
		m.Subtotal, m.DiscountTotal, m.TaxTotal, m.GrandTotal,
		m.PaidTotal, m.RefundedTotal, m.OverpaymentTotal,
		m.PaidAt, m.CancelledAt, m.CancelReason, m.CreatedBy, m.Metadata, m.CreatedAt, m.UpdatedAt,
	}
}

func toInvoiceModel(inv *invoice.Invoice) (*invoiceModel, error) {
	lines, err := json.Marshal(inv.LineItems)
	if err != nil {
		return nil, err
	}
	meta := []byte("{}")
	if len(inv.Metadata) > 0 {
		if meta, err = json.Marshal(inv.Metadata); err != nil {
			return nil, err
		}
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
		Metadata:         meta,
		CreatedAt:        inv.CreatedAt,
		UpdatedAt:        inv.UpdatedAt,
	}, nil
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	invID, err := id.ParseInvoiceID(m.ID)
	if err != nil {
		return nil, err
	}

	var lines []invoice.LineItem
	if len(m.LineItems) > 0 {
		if err := json.Unmarshal(m.LineItems, &lines); err != nil {
			return nil, err
		}
	}
	var meta map[string]string
	if len(m.Metadata) > 0 && string(m.Metadata) != "{}" {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return nil, err
		}
	}

	money := func(v int64) types.Money { return types.New(v, m.Currency) }
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
		Metadata:         meta,
	}, nil
}

// ==================== Payment models ====================

const paymentColumns = `id, org_id, invoice_id, idempotency_key, seq, currency,
	amount, applied, overpayment, method, reference, created_by, created_at, updated_at`

type paymentModel struct {
	ID             string    `db:"id"`
	OrgID          string    `db:"org_id"`
	InvoiceID      string    `db:"invoice_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Seq            int64     `db:"seq"`
	Currency       string    `db:"currency"`
	Amount         int64     `db:"amount"`
	Applied        int64     `db:"applied"`
	Overpayment    int64     `db:"overpayment"`
	Method         string    `db:"method"`
	Reference      string    `db:"reference"`
	CreatedBy      string    `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (m *paymentModel) args() []any {
	return []any{
		m.ID, m.OrgID, m.InvoiceID, m.IdempotencyKey, m.Seq, m.Currency,
		m.Amount, m.Applied, m.Overpayment, m.Method, m.Reference, m.CreatedBy, m.CreatedAt, m.UpdatedAt,
	}
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

const refundColumns = `id, org_id, invoice_id, payment_id, currency, amount, reason, created_by, created_at, updated_at`

type refundModel struct {
	ID        string    `db:"id"`
	OrgID     string    `db:"org_id"`
	InvoiceID string    `db:"invoice_id"`
	PaymentID string    `db:"payment_id"`
	Currency  string    `db:"currency"`
	Amount    int64     `db:"amount"`
	Reason    string    `db:"reason"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (m *refundModel) args() []any {
	return []any{m.ID, m.OrgID, m.InvoiceID, m.PaymentID, m.Currency, m.Amount, m.Reason, m.CreatedBy, m.CreatedAt, m.UpdatedAt}
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

const auditColumns = `id, org_id, entity_type, entity_id, action, actor_id, ts, payload`

type auditModel struct {
	ID         string    `db:"id"`
	OrgID      string    `db:"org_id"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Action     string    `db:"action"`
	ActorID    string    `db:"actor_id"`
	Timestamp  time.Time `db:"ts"`
	Payload    []byte    `db:"payload"`
}

func (m *auditModel) args() []any {
	return []any{m.ID, m.OrgID, m.EntityType, m.EntityID, m.Action, m.ActorID, m.Timestamp, m.Payload}
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
		Payload:    e.Payload,
	}
}

func fromAuditModel(m *auditModel) (*audit.Entry, error) {
	audID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, err
	}
	return &audit.Entry{
		ID:         audID,
		OrgID:      m.OrgID,
		EntityType: audit.EntityType(m.EntityType),
		EntityID:   m.EntityID,
		Action:     m.Action,
		ActorID:    m.ActorID,
		Timestamp:  m.Timestamp.UTC(),
		Payload:    m.Payload,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
