package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"namereg/pkg/domain"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	ctrl := NewStatic(map[domain.Principal][]string{
		"admin": {CapabilitySetCost, CapabilityCheckConsistency},
	})

	assert.True(t, ctrl.HasCapability(ctx, "admin", CapabilitySetCost))
	assert.False(t, ctrl.HasCapability(ctx, "alice", CapabilitySetCost))

	ctrl.Grant("alice", CapabilitySetCost)
	assert.True(t, ctrl.HasCapability(ctx, "alice", CapabilitySetCost))
	assert.False(t, ctrl.HasCapability(ctx, "alice", CapabilityCheckConsistency))

	ctrl.Revoke("alice", CapabilitySetCost)
	assert.False(t, ctrl.HasCapability(ctx, "alice", CapabilitySetCost))

	ctrl.Grant(domain.NullPrincipal, CapabilitySetCost)
	assert.False(t, ctrl.HasCapability(ctx, domain.NullPrincipal, CapabilitySetCost))
}

func TestAllowed(t *testing.T) {
	ctx := context.Background()
	ctrl := NewStatic(map[domain.Principal][]string{"admin": {CapabilitySetCost}})

	t.Run("nil control denies", func(t *testing.T) {
		assert.False(t, Allowed(ctx, nil, "admin", CapabilitySetCost))
	})

	t.Run("typed nil control denies", func(t *testing.T) {
		var c Control
		assert.False(t, Allowed(ctx, c, "admin", CapabilitySetCost))
	})

	t.Run("null principal denied", func(t *testing.T) {
		assert.False(t, Allowed(ctx, ctrl, domain.NullPrincipal, CapabilitySetCost))
	})

	t.Run("granted principal allowed", func(t *testing.T) {
		assert.True(t, Allowed(ctx, ctrl, "admin", CapabilitySetCost))
	})
}
