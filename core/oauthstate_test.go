package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuthStateRegistry_SingleUse(t *testing.T) {
	r := NewOAuthStateRegistry()
	defer r.Stop()

	state, err := r.Issue()
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	assert.True(t, r.Redeem(state))
	assert.False(t, r.Redeem(state), "state must redeem at most once")
}

func TestOAuthStateRegistry_UnknownState(t *testing.T) {
	r := NewOAuthStateRegistry()
	defer r.Stop()

	assert.False(t, r.Redeem("never-issued"))
}

func TestOAuthStateRegistry_DistinctValues(t *testing.T) {
	r := NewOAuthStateRegistry()
	defer r.Stop()

	a, err := r.Issue()
	require.NoError(t, err)
	b, err := r.Issue()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
