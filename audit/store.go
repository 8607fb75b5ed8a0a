package audit

import "context"

// Store persists audit entries. AppendAudit outside a transaction is only
// used for entries that do not accompany a ledger write, such as denials.
type Store interface {
	AppendAudit(ctx context.Context, e *Entry) error
	ListAuditEntries(ctx context.Context, orgID string, opts ListOpts) ([]*Entry, error)
}

// ListOpts filters ListAuditEntries. Zero values match everything.
type ListOpts struct {
	EntityType EntityType
	EntityID   string
	Action     string
	Limit      int
}
