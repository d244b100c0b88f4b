package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndOwner(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(testID(1), "alice"))

	owner, ok := r.Owner(testID(1))
	assert.True(t, ok)
	assert.Equal(t, "alice", owner)

	_, ok = r.Owner(testID(2))
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(testID(1), "alice"))

	err := r.Register(testID(1), "bob")
	assert.ErrorIs(t, err, ErrRequestExists)

	// The original binding survives.
	owner, ok := r.Owner(testID(1))
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
}
