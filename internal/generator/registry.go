// Package generator selects the article generation capability by configured name.
package generator

import (
	"fmt"
	"sort"

	"MailPress/internal/ports"
)

// Registry keeps a mapping from provider names to their implementations.
type Registry struct {
	providers map[string]ports.Generator
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]ports.Generator{}}
}

// Register adds or replaces a provider implementation.
func (r *Registry) Register(provider ports.Generator) {
	if r.providers == nil {
		r.providers = map[string]ports.Generator{}
	}
	r.providers[provider.Name()] = provider
}

// Resolve returns a provider by name or an error if it is absent.
func (r *Registry) Resolve(name string) (ports.Generator, error) {
	if provider, ok := r.providers[name]; ok {
		return provider, nil
	}
	return nil, fmt.Errorf("generation provider %q is not registered (known: %v)", name, r.Names())
}

// Names lists registered providers in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
