// Package users implements the user lifecycle, including the unitary
// organization created with every user and the cascading deactivation that
// touches memberships and that organization in one transaction.
package users

import "time"

// User is an account holder. Every user owns exactly one unitary
// organization that is created with them and deactivated with them.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	UnitaryOrgID int64      `json:"unitaryOrgId"`
	CreatedAt    time.Time  `json:"createdAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the user is not deactivated.
func (u *User) Active() bool {
	return u.DeletedAt == nil
}

// Delta is a partial update. Nil fields leave the current value unchanged.
type Delta struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Deleted  *bool   `json:"deleted,omitempty"`
}

// Empty reports whether the delta changes nothing regardless of state.
func (d Delta) Empty() bool {
	return d.Username == nil && d.Email == nil && d.Deleted == nil
}
