// Package roles manages global and organization-scoped roles and their
// permission grants.
package roles

import (
	"time"

	"github.com/depot-registry/depot/pkg/authz"
)

// Global role names seeded at bootstrap. These names are reserved: custom
// roles may not claim them.
const (
	RoleAdministrator       = "Administrator"
	RoleUser                = "User"
	RolePublisher           = "Publisher"
	RoleBillingManager      = "Billing Manager"
	RoleOrganizationManager = "Organization Manager"
)

var restrictedNames = map[string]bool{
	RoleAdministrator:       true,
	RoleUser:                true,
	RolePublisher:           true,
	RoleBillingManager:      true,
	RoleOrganizationManager: true,
}

// IsRestrictedName reports whether a custom role may not use the name.
func IsRestrictedName(name string) bool {
	return restrictedNames[name]
}

// Role is a named set of permission grants. OrganizationID nil means the
// role is global: visible to every organization and immutable via the API.
type Role struct {
	ID             int64               `json:"id"`
	OrganizationID *int64              `json:"organizationId,omitempty"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Permissions    authz.PermissionSet `json:"permissions"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// IsGlobal reports whether the role is a seeded global role.
func (r *Role) IsGlobal() bool {
	return r.OrganizationID == nil
}
