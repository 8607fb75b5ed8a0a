package ledger

import (
	"context"
	"slices"
)

// Actor is the authenticated caller of a ledger operation. It is built by
// the upstream authentication layer; the ledger trusts its fields.
type Actor struct {
	ID        string   `json:"id"`
	OrgID     string   `json:"org_id"`
	Role      string   `json:"role"`
	BranchIDs []string `json:"branch_ids,omitempty"`
}

// Authorizer answers capability questions about an actor. The ledger only
// consumes yes/no answers; role management lives elsewhere.
type Authorizer interface {
	CanWriteFinancial(ctx context.Context, a Actor) bool
	CanReadFinancial(ctx context.Context, a Actor) bool
	CanAccessBranch(ctx context.Context, a Actor, branchID string) bool
}

// Clinic roles understood by RoleAuthorizer.
const (
	RoleOwner        = "owner"
	RoleAdmin        = "admin"
	RoleManager      = "manager"
	RoleCashier      = "cashier"
	RoleReceptionist = "receptionist"
	RoleDoctor       = "doctor"
)

// AllBranches in Actor.BranchIDs grants access to every branch of the org.
const AllBranches = "*"

// RoleAuthorizer is a static role table.
type RoleAuthorizer struct {
	WriteRoles     []string
	ReadRoles      []string
	AllBranchRoles []string
}

// DefaultAuthorizer returns the role table used when none is configured.
func DefaultAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{
		WriteRoles:     []string{RoleOwner, RoleAdmin, RoleManager, RoleCashier},
		ReadRoles:      []string{RoleOwner, RoleAdmin, RoleManager, RoleCashier, RoleReceptionist, RoleDoctor},
		AllBranchRoles: []string{RoleOwner, RoleAdmin},
	}
}

func (r *RoleAuthorizer) CanWriteFinancial(_ context.Context, a Actor) bool {
	return a.ID != "" && slices.Contains(r.WriteRoles, a.Role)
}

func (r *RoleAuthorizer) CanReadFinancial(_ context.Context, a Actor) bool {
	return a.ID != "" && slices.Contains(r.ReadRoles, a.Role)
}

// CanAccessBranch allows org-wide records (empty branch), org-wide roles,
// and branches listed on the actor.
func (r *RoleAuthorizer) CanAccessBranch(_ context.Context, a Actor, branchID string) bool {
	if branchID == "" || slices.Contains(r.AllBranchRoles, a.Role) {
		return true
	}
	return slices.Contains(a.BranchIDs, AllBranches) || slices.Contains(a.BranchIDs, branchID)
}
