package router

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
)

// ErrSelectorUnavailable is returned when a selector names no known
// credential or registered provider.
var ErrSelectorUnavailable = errors.New("selector unavailable")

// Target is where a request goes: a provider pool, optionally pinned to one
// credential.
type Target struct {
	Provider     credential.ProviderType
	CredentialID string
}

// Resolver maps path selectors onto targets.
type Resolver struct {
	balancer *balancer.LoadBalancer
}

func NewResolver(b *balancer.LoadBalancer) *Resolver {
	return &Resolver{balancer: b}
}

// Resolve tries, in order, an exact credential name, an exact credential
// UUID and a provider type. It never substitutes another provider.
func (r *Resolver) Resolve(selector string) (Target, error) {
	if c, ok := r.findByName(selector); ok {
		return Target{Provider: c.Provider, CredentialID: c.ID}, nil
	}
	if _, err := uuid.Parse(selector); err == nil {
		if c, ok := r.balancer.FindCredential(selector); ok && c.ID == selector {
			return Target{Provider: c.Provider, CredentialID: c.ID}, nil
		}
	}
	if p, ok := credential.ParseProviderType(selector); ok {
		if _, registered := r.balancer.GetPool(p); registered {
			return Target{Provider: p}, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %q", ErrSelectorUnavailable, selector)
}

func (r *Resolver) findByName(name string) (credential.Credential, bool) {
	for _, p := range r.balancer.Providers() {
		pool, ok := r.balancer.GetPool(p)
		if !ok {
			continue
		}
		if c, ok := pool.FindByName(name); ok {
			return c, true
		}
	}
	return credential.Credential{}, false
}
