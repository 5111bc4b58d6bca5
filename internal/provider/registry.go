package provider

import (
	"strings"

	"github.com/smallbiznis/payrail/internal/provider/domain"
)

// Registry maps provider names to their rail adapters.
type Registry struct {
	providers map[string]domain.RailProvider
}

func NewRegistry(providers ...domain.RailProvider) *Registry {
	registry := &Registry{providers: map[string]domain.RailProvider{}}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			continue
		}
		registry.providers[name] = p
	}
	return registry
}

func (r *Registry) Exists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (r *Registry) Get(name string) (domain.RailProvider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return p, nil
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
