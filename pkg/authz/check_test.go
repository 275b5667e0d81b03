package authz

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depot-registry/depot/pkg/domain"
)

func TestEvaluate(t *testing.T) {
	t.Run("empty set denies with no-privileges reason", func(t *testing.T) {
		err := Evaluate(7, NewPermissionSet(), Check{AllOf: []Permission{PermReadPackages}})
		require.Error(t, err)

		de, ok := domain.AsError(err)
		require.True(t, ok)
		assert.Equal(t, domain.KindInsufficientPrivileges, de.Kind)
		assert.True(t, de.NoMembership)
	})

	t.Run("allOf reports the first missing token", func(t *testing.T) {
		set := NewPermissionSet(PermReadPackages)
		err := Evaluate(1, set, Check{AllOf: []Permission{PermReadPackages, PermWritePackages, PermWriteVersions}})

		de, ok := domain.AsError(err)
		require.True(t, ok)
		assert.False(t, de.NoMembership)
		assert.Equal(t, []string{"write:packages"}, de.Missing)
	})

	t.Run("oneOf reports all checked tokens when none match", func(t *testing.T) {
		set := NewPermissionSet(PermReadBilling)
		err := Evaluate(1, set, Check{OneOf: []Permission{PermWritePackages, PermWriteVersions}})

		de, ok := domain.AsError(err)
		require.True(t, ok)
		assert.ElementsMatch(t, []string{"write:packages", "write:versions"}, de.Missing)
	})

	t.Run("oneOf passes on any match", func(t *testing.T) {
		set := NewPermissionSet(PermWriteVersions)
		assert.NoError(t, Evaluate(1, set, Check{OneOf: []Permission{PermWritePackages, PermWriteVersions}}))
	})

	t.Run("admin token satisfies every per-resource token", func(t *testing.T) {
		set := NewPermissionSet(PermAdmin)
		check := Check{
			AllOf: []Permission{PermWritePackages, PermWriteBilling},
			OneOf: []Permission{PermWriteRoles},
		}
		assert.NoError(t, Evaluate(1, set, check))
	})

	t.Run("empty check passes for any member", func(t *testing.T) {
		assert.NoError(t, Evaluate(1, NewPermissionSet(PermReadPackages), Check{}))
	})

	t.Run("unknown token rejected by validate", func(t *testing.T) {
		err := Check{AllOf: []Permission{"write:everything"}}.Validate()
		assert.True(t, domain.IsKind(err, domain.KindConstraintViolation))
	})
}

func TestPermissionSet(t *testing.T) {
	t.Run("weight of empty set is one", func(t *testing.T) {
		assert.Equal(t, 1, NewPermissionSet().Weight())
		assert.Equal(t, 2, NewPermissionSet(PermAdmin, PermReadPackages).Weight())
	})

	t.Run("clone is independent", func(t *testing.T) {
		s := NewPermissionSet(PermReadPackages)
		c := s.Clone()
		c[PermWritePackages] = struct{}{}
		assert.False(t, s.Has(PermWritePackages))
	})

	t.Run("catalog tokens validate", func(t *testing.T) {
		for _, p := range Catalog() {
			assert.True(t, p.Valid(), string(p))
		}
		assert.False(t, Permission("read:teams").Valid())
	})

	t.Run("marshals as a sorted token array", func(t *testing.T) {
		data, err := json.Marshal(NewPermissionSet(PermWriteVersions, PermReadPackages))
		require.NoError(t, err)
		assert.JSONEq(t, `["read:packages","write:versions"]`, string(data))

		var s PermissionSet
		require.NoError(t, json.Unmarshal(data, &s))
		assert.True(t, s.Has(PermWriteVersions))
	})
}
