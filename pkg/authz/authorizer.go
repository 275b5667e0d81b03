package authz

import (
	"context"
	"fmt"

	"github.com/depot-registry/depot/pkg/domain"
)

// Caller identifies the authenticated principal of a request. Operator marks
// the cross-organization system operator role; it is decided once when the
// session is resolved, not re-derived per call site.
type Caller struct {
	UserID   int64
	Operator bool
}

// Invalidator is implemented by the permission cache. Lifecycle services call
// it after any mutation that can change a user's effective permissions.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID int64)
	InvalidateOrg(ctx context.Context, orgID int64)
}

// NopInvalidator satisfies Invalidator for wiring without a cache.
type NopInvalidator struct{}

func (NopInvalidator) InvalidateUser(context.Context, int64) {}
func (NopInvalidator) InvalidateOrg(context.Context, int64)  {}

// Authorizer evaluates required-permission checks against resolved sets. The
// resolver behind it is normally the permission cache.
type Authorizer struct {
	resolver Resolver
}

// NewAuthorizer creates an authorizer backed by the given resolver.
func NewAuthorizer(resolver Resolver) *Authorizer {
	return &Authorizer{resolver: resolver}
}

// Authorize returns nil when the caller may proceed, or an
// InsufficientPrivileges domain error.
//
// The operator bypass is evaluated before the resolver so operator requests
// never cost a cache or store lookup.
func (a *Authorizer) Authorize(ctx context.Context, caller Caller, orgID int64, check Check) error {
	if caller.Operator {
		return nil
	}

	if err := check.Validate(); err != nil {
		return err
	}

	set, err := a.resolver.Resolve(ctx, caller.UserID, orgID)
	if err != nil {
		return domain.Unknownf(err, "resolving permissions for user %d in organization %d", caller.UserID, orgID)
	}

	return Evaluate(orgID, set, check)
}

// EffectivePermissions returns the caller's resolved set for the
// organization. Operators resolve to the full catalog.
func (a *Authorizer) EffectivePermissions(ctx context.Context, caller Caller, orgID int64) (PermissionSet, error) {
	if caller.Operator {
		return NewPermissionSet(Catalog()...), nil
	}

	set, err := a.resolver.Resolve(ctx, caller.UserID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective permissions: %w", err)
	}
	return set, nil
}
