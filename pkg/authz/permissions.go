// Package authz implements the permission catalog, the effective-permission
// resolver, and the authorization check evaluator that every mutating route
// consults before touching a lifecycle service.
package authz

import (
	"encoding/json"
	"sort"
)

// Permission is a catalog token: "{read|write}:{resource}" or "admin".
type Permission string

// PermAdmin grants every organization-scoped capability. It is semantically
// stronger than any per-resource read/write token.
const PermAdmin Permission = "admin"

// Per-resource tokens.
const (
	PermReadPackages      Permission = "read:packages"
	PermWritePackages     Permission = "write:packages"
	PermReadVersions      Permission = "read:versions"
	PermWriteVersions     Permission = "write:versions"
	PermReadDownloads     Permission = "read:downloads"
	PermWriteDownloads    Permission = "write:downloads"
	PermReadBilling       Permission = "read:billing"
	PermWriteBilling      Permission = "write:billing"
	PermReadMembers       Permission = "read:members"
	PermWriteMembers      Permission = "write:members"
	PermReadRoles         Permission = "read:roles"
	PermWriteRoles        Permission = "write:roles"
	PermReadOrganization  Permission = "read:organization"
	PermWriteOrganization Permission = "write:organization"
)

var catalog = map[Permission]struct{}{
	PermAdmin:             {},
	PermReadPackages:      {},
	PermWritePackages:     {},
	PermReadVersions:      {},
	PermWriteVersions:     {},
	PermReadDownloads:     {},
	PermWriteDownloads:    {},
	PermReadBilling:       {},
	PermWriteBilling:      {},
	PermReadMembers:       {},
	PermWriteMembers:      {},
	PermReadRoles:         {},
	PermWriteRoles:        {},
	PermReadOrganization:  {},
	PermWriteOrganization: {},
}

// Valid reports whether p belongs to the closed catalog.
func (p Permission) Valid() bool {
	_, ok := catalog[p]
	return ok
}

// Catalog returns every token in the catalog, sorted.
func Catalog() []Permission {
	out := make([]Permission, 0, len(catalog))
	for p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermissionSet is the effective permission set of a (user, organization)
// pair.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from tokens.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether the set grants p, either directly or through admin.
func (s PermissionSet) Has(p Permission) bool {
	if _, ok := s[PermAdmin]; ok {
		return true
	}
	_, ok := s[p]
	return ok
}

// Weight is the set's contribution to the permission cache's capacity bound.
func (s PermissionSet) Weight() int {
	if len(s) == 0 {
		return 1
	}
	return len(s)
}

// Tokens returns the set's members, sorted.
func (s PermissionSet) Tokens() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON renders the set as a sorted token array, the shape every
// permissions field on the wire uses.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Tokens())
}

// UnmarshalJSON accepts the token-array form.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var tokens []Permission
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	*s = NewPermissionSet(tokens...)
	return nil
}

// Clone returns an independent copy so cached sets cannot be mutated by
// callers.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}
