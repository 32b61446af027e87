package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffAccessSets(t *testing.T) {
	t.Run("symmetric difference", func(t *testing.T) {
		diff := DiffAccessSets([]string{"X", "Y"}, []string{"Y", "Z"})
		assert.Equal(t, []string{"Z"}, diff.Added)
		assert.Equal(t, []string{"X"}, diff.Removed)
		assert.False(t, diff.Empty())
	})

	t.Run("identical sets are empty regardless of order", func(t *testing.T) {
		diff := DiffAccessSets([]string{"B", "A"}, []string{"A", "B", "B"})
		assert.True(t, diff.Empty())
	})

	t.Run("empty current removes everything", func(t *testing.T) {
		diff := DiffAccessSets([]string{"X", "Y"}, nil)
		assert.Empty(t, diff.Added)
		assert.Equal(t, []string{"X", "Y"}, diff.Removed)
	})

	t.Run("empty previous adds everything", func(t *testing.T) {
		diff := DiffAccessSets(nil, []string{"Z", "A"})
		assert.Equal(t, []string{"A", "Z"}, diff.Added)
		assert.Empty(t, diff.Removed)
	})

	t.Run("both empty", func(t *testing.T) {
		assert.True(t, DiffAccessSets(nil, nil).Empty())
	})
}
