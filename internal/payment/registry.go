package payment

import "fmt"

// Registry holds the configured provider adapters. The set is fixed at
// construction; adapters are safe for concurrent use and the registry
// is read-only afterwards, so no locking is needed.
type Registry struct {
	order     []ProviderName
	providers map[ProviderName]Provider
}

// NewRegistry builds a registry from the given adapters. Enumeration
// order follows the argument order.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[ProviderName]Provider, len(providers)),
	}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			continue
		}
		r.order = append(r.order, p.Name())
		r.providers[p.Name()] = p
	}
	return r
}

// Resolve returns the adapter for a provider name.
func (r *Registry) Resolve(name ProviderName) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// ListEnabled returns the configured provider names in registration
// order.
func (r *Registry) ListEnabled() []ProviderName {
	out := make([]ProviderName, len(r.order))
	copy(out, r.order)
	return out
}
