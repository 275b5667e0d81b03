// Package members implements the membership lifecycle state machine and the
// Administrator-preservation guard shared by the user and organization
// cascades.
package members

import "time"

// Membership links a user to an organization through exactly one role.
// DeletedAt nil means the membership is active; CreatedAt marks the current
// join, not the first one.
type Membership struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"userId"`
	OrganizationID int64      `json:"organizationId"`
	RoleID         int64      `json:"roleId"`
	RoleName       string     `json:"roleName"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the membership is not revoked.
func (m *Membership) Active() bool {
	return m.DeletedAt == nil
}

// Delta is a partial update. Nil fields leave the current value unchanged;
// an all-nil delta is an accepted no-op.
type Delta struct {
	RoleID  *int64 `json:"roleId,omitempty"`
	Revoked *bool  `json:"revoked,omitempty"`
}

// Empty reports whether the delta changes nothing regardless of state.
func (d Delta) Empty() bool {
	return d.RoleID == nil && d.Revoked == nil
}
