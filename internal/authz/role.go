package authz

import "fmt"

// Role is the closed set of membership roles. Permission checks switch
// exhaustively over this type so that adding a role is a compile-time
// exercise rather than a string grep.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleAdmin        Role = "admin"
	RoleMember       Role = "member"
	RoleBillingAdmin Role = "billing_admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleBillingAdmin:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

func ParseRole(s string) (Role, error) {
	role := Role(s)
	if !role.IsValid() {
		return "", fmt.Errorf("invalid role: %s", s)
	}
	return role, nil
}

// CanManageMembers reports whether the role may invite, suspend or remove
// other members of the organization.
func (r Role) CanManageMembers() bool {
	switch r {
	case RoleOwner, RoleAdmin:
		return true
	case RoleMember, RoleBillingAdmin:
		return false
	}
	return false
}

// CanManageBilling reports whether the role may change payment details and
// subscription state.
func (r Role) CanManageBilling() bool {
	switch r {
	case RoleOwner, RoleBillingAdmin:
		return true
	case RoleAdmin, RoleMember:
		return false
	}
	return false
}

// CanReadAuditLog reports whether the role may read the organization's audit
// trail.
func (r Role) CanReadAuditLog() bool {
	switch r {
	case RoleOwner, RoleAdmin:
		return true
	case RoleMember, RoleBillingAdmin:
		return false
	}
	return false
}
