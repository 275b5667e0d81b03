// Package orgs implements the organization lifecycle: creation with a
// founding Administrator, deactivation with the membership cascade, and
// reactivation.
package orgs

import "time"

// Organization is a tenant. Unitary organizations are the personal workspace
// created alongside a user; they follow the user's lifecycle and reject
// direct deactivation.
type Organization struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	IsUnitary   bool       `json:"isUnitary"`
	OwnerUserID *int64     `json:"ownerUserId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the organization is not deactivated.
func (o *Organization) Active() bool {
	return o.DeletedAt == nil
}

// Delta is a partial update. Nil fields leave the current value unchanged.
type Delta struct {
	Name    *string `json:"name,omitempty"`
	Deleted *bool   `json:"deleted,omitempty"`
}

// Empty reports whether the delta changes nothing regardless of state.
func (d Delta) Empty() bool {
	return d.Name == nil && d.Deleted == nil
}
