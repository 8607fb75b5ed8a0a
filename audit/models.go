// Package audit defines the append-only audit log of financial actions.
package audit

import (
	"encoding/json"
	"time"

	"github.com/clinicos/ledger/id"
)

// EntityType names the kind of record an entry is about.
type EntityType string

const (
	EntityInvoice EntityType = "invoice"
	EntityPayment EntityType = "payment"
	EntityRefund  EntityType = "refund"
	EntityAuth    EntityType = "auth"
)

// Actions recorded by the ledger.
const (
	ActionInvoiceCreated   = "invoice.created"
	ActionInvoiceCancelled = "invoice.cancelled"
	ActionPaymentConfirmed = "payment.confirmed"
	ActionRefundCreated    = "refund.created"
	ActionAuthDenied       = "auth.denied"
)

// Entry is one audit log record. Entries are never mutated or deleted.
type Entry struct {
	ID         id.AuditID      `json:"id"`
	OrgID      string          `json:"org_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEntry builds an entry stamped with now. payload is marshalled to JSON;
// a nil payload leaves the field empty.
func NewEntry(orgID string, et EntityType, entityID, action, actorID string, now time.Time, payload any) (*Entry, error) {
	e := &Entry{
		ID:         id.NewAuditID(),
		OrgID:      orgID,
		EntityType: et,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		Timestamp:  now.UTC().Truncate(time.Millisecond),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		e.Payload = raw
	}
	return e, nil
}
