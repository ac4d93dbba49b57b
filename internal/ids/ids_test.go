package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProducesAdjectiveNounSlug(t *testing.T) {
	id, err := New(func(string) bool { return false })
	require.NoError(t, err)
	assert.Regexp(t, `^[a-z]+-[a-z]+-\d{3}$`, id)
}

func TestNew_RetriesOnCollisionThenSucceeds(t *testing.T) {
	seen := 0
	exists := func(string) bool {
		seen++
		return seen <= 2 // first two rolls are "taken", third succeeds
	}
	id, err := New(exists)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

// §7.9: exhausting every retry against an always-occupied namespace is a
// Fatal error kind, not an infinite loop.
func TestNew_ExhaustsRetriesAndErrors(t *testing.T) {
	_, err := New(func(string) bool { return true })
	assert.Error(t, err)
}

func TestNewConnectionID_ReturnsDistinctUUIDs(t *testing.T) {
	a := NewConnectionID()
	b := NewConnectionID()
	assert.NotEqual(t, a, b)
}
