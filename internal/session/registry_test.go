package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRegisterGetRemove(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("s1")
	assert.False(t, ok)

	r.Register(&Runtime{ID: "s1", UserID: "u1", Phone: "111111"})
	r.Register(&Runtime{ID: "s2", UserID: "u2", Phone: "222222"})

	rt, ok := r.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, "u1", rt.UserID)
	assert.Equal(t, 2, r.Count())

	removed := r.Remove("s1")
	assert.NotNil(t, removed)
	assert.Equal(t, "s1", removed.ID)
	assert.Equal(t, 1, r.Count())

	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.Nil(t, r.Remove("s1"))
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()

	r.Register(&Runtime{ID: "s1", Phone: "111111"})
	r.Register(&Runtime{ID: "s1", Phone: "333333"})

	rt, ok := r.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, "333333", rt.Phone)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryAllSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(&Runtime{ID: "s1"})
	r.Register(&Runtime{ID: "s2"})

	all := r.All()
	assert.Len(t, all, 2)

	// Mutating the snapshot must not touch the registry.
	all = all[:0]
	assert.Equal(t, 2, r.Count())
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPairing.Active())
	assert.True(t, StatusConnected.Active())
	assert.False(t, StatusSuspended.Active())

	assert.False(t, StatusPairing.Terminal())
	assert.False(t, StatusConnected.Terminal())
	assert.True(t, StatusDisconnected.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSuspended.Terminal())

	assert.True(t, StatusConnected.Valid())
	assert.False(t, Status("banana").Valid())
}
