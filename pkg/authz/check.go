package authz

import "github.com/depot-registry/depot/pkg/domain"

// Check is a required-permission expression. AllOf tokens must all be held;
// OneOf requires at least one. Both may be set; both must pass.
type Check struct {
	AllOf []Permission `json:"allOf,omitempty"`
	OneOf []Permission `json:"oneOf,omitempty"`
}

// Empty reports whether the check requires nothing.
func (c Check) Empty() bool {
	return len(c.AllOf) == 0 && len(c.OneOf) == 0
}

// Validate rejects tokens outside the catalog.
func (c Check) Validate() error {
	for _, p := range append(append([]Permission{}, c.AllOf...), c.OneOf...) {
		if !p.Valid() {
			return domain.ConstraintViolationf("unknown permission token %q", p)
		}
	}
	return nil
}

// Evaluate decides allow (nil) or deny for a resolved permission set.
//
// An empty set denies with a "no privileges in organization" reason, distinct
// from the "missing specific permission" reason produced when the set is
// non-empty but fails the expression.
func Evaluate(orgID int64, set PermissionSet, check Check) error {
	if len(set) == 0 {
		return domain.NoPrivileges(orgID)
	}

	for _, p := range check.AllOf {
		if !set.Has(p) {
			return domain.MissingPermissions(string(p))
		}
	}

	if len(check.OneOf) > 0 {
		for _, p := range check.OneOf {
			if set.Has(p) {
				return nil
			}
		}
		tokens := make([]string, len(check.OneOf))
		for i, p := range check.OneOf {
			tokens[i] = string(p)
		}
		return domain.MissingPermissions(tokens...)
	}

	return nil
}
