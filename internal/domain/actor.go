package domain

import "github.com/google/uuid"

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Actor is the authenticated caller as resolved by the API layer.
type Actor struct {
	ID              uuid.UUID
	Role            string
	OrganizationIDs []uuid.UUID
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanAccess reports whether the actor may act on behalf of the organization.
// Admins can access every organization.
func (a Actor) CanAccess(orgID uuid.UUID) bool {
	if a.IsAdmin() {
		return true
	}
	for _, id := range a.OrganizationIDs {
		if id == orgID {
			return true
		}
	}
	return false
}
