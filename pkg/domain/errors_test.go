package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	t.Run("not found carries entity and id", func(t *testing.T) {
		err := NotFound("membership", 42)
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.Contains(t, err.Error(), "membership 42")
	})

	t.Run("no privileges is distinguishable from missing permission", func(t *testing.T) {
		noPriv := NoPrivileges(7)
		missing := MissingPermissions("write:packages")

		assert.Equal(t, KindInsufficientPrivileges, noPriv.Kind)
		assert.Equal(t, KindInsufficientPrivileges, missing.Kind)
		assert.True(t, noPriv.NoMembership)
		assert.False(t, missing.NoMembership)
		assert.Equal(t, []string{"write:packages"}, missing.Missing)
	})

	t.Run("unknown wraps the cause", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Unknownf(cause, "revoking membership")
		assert.Equal(t, KindUnknown, KindOf(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("kind survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("apply delta: %w", ConstraintViolationf("organization would have no Administrator"))
		assert.True(t, IsKind(err, KindConstraintViolation))

		de, ok := AsError(err)
		require.True(t, ok)
		assert.Contains(t, de.Message, "no Administrator")
	})

	t.Run("non-domain errors are unknown", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
		assert.False(t, IsKind(nil, KindNotFound))
	})
}

func TestRunBatch(t *testing.T) {
	t.Run("collects successes and failures independently", func(t *testing.T) {
		ids := []int64{1, 2, 3, 4}
		results := RunBatch(context.Background(), ids, func(_ context.Context, id int64) (string, error) {
			if id%2 == 0 {
				return "", NotFound("user", id)
			}
			return fmt.Sprintf("user-%d", id), nil
		})

		require.Len(t, results, 4)
		assert.Equal(t, "user-1", results[1].Value)
		assert.Equal(t, "user-3", results[3].Value)
		assert.True(t, IsKind(results[2].Err, KindNotFound))
		assert.True(t, IsKind(results[4].Err, KindNotFound))
		assert.NoError(t, results[1].Err)
	})

	t.Run("empty id list yields empty map", func(t *testing.T) {
		results := RunBatch(context.Background(), nil, func(_ context.Context, id int64) (int, error) {
			t.Fatal("should not be called")
			return 0, nil
		})
		assert.Empty(t, results)
	})
}
