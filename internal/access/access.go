// Package access decides which principals may perform privileged registry
// operations. Decisions fail closed: a nil Control grants nothing.
package access

//go:generate mockgen -source=access.go -destination=mocks/mocks.go -package=mocks Control

import (
	"context"
	"sync"

	"namereg/pkg/domain"
)

// Capabilities checked by the registry.
const (
	CapabilitySetCost          = "registry:set_cost"
	CapabilityCheckConsistency = "registry:check_consistency"
)

// Control answers capability questions.
type Control interface {
	HasCapability(ctx context.Context, principal domain.Principal, capability string) bool
}

// Allowed reports whether c grants capability to principal. A nil Control and
// the null principal are always denied.
func Allowed(ctx context.Context, c Control, principal domain.Principal, capability string) bool {
	if c == nil || principal.IsNull() {
		return false
	}
	return c.HasCapability(ctx, principal, capability)
}

// Static is an in-memory allowlist of principal capabilities.
type Static struct {
	mu     sync.RWMutex
	grants map[domain.Principal]map[string]struct{}
}

// NewStatic builds an allowlist from principal -> capabilities.
func NewStatic(grants map[domain.Principal][]string) *Static {
	s := &Static{grants: make(map[domain.Principal]map[string]struct{})}
	for p, caps := range grants {
		for _, c := range caps {
			s.Grant(p, c)
		}
	}
	return s
}

// Grant adds capability for principal.
func (s *Static) Grant(principal domain.Principal, capability string) {
	if principal.IsNull() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	caps, ok := s.grants[principal]
	if !ok {
		caps = make(map[string]struct{})
		s.grants[principal] = caps
	}
	caps[capability] = struct{}{}
}

// Revoke removes capability from principal.
func (s *Static) Revoke(principal domain.Principal, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[principal], capability)
}

func (s *Static) HasCapability(_ context.Context, principal domain.Principal, capability string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[principal][capability]
	return ok
}
