package types

import "time"

// Entity carries the timestamps shared by every stored ledger record.
// Immutable records (payments, refunds, audit entries) only ever set CreatedAt.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates an Entity stamped with now, truncated to milliseconds so
// the value survives a round trip through Postgres and MongoDB unchanged.
func NewEntity(now time.Time) Entity {
	t := now.UTC().Truncate(time.Millisecond)
	return Entity{CreatedAt: t, UpdatedAt: t}
}

// Touch sets UpdatedAt to now.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC().Truncate(time.Millisecond)
}
