package carrier

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry manages registered carrier providers and their aliases.
type Registry struct {
	providers map[string]Provider
	aliases   map[string]string
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		aliases:   make(map[string]string),
	}
}

// Register adds a provider under its canonical name plus any aliases.
func (r *Registry) Register(p Provider, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := normalizeName(p.Name())
	r.providers[name] = p
	for _, a := range aliases {
		r.aliases[normalizeName(a)] = name
	}
}

// Get returns a provider by canonical name or alias.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := normalizeName(name)
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	if p, ok := r.providers[key]; ok {
		return p, nil
	}
	return nil, NewError(CodeProviderUnavailable, "provider not registered").
		WithDetail("provider", name)
}

// Resolve picks the provider for a request: the explicit name when given,
// else the single registered provider, else PROVIDER_UNAVAILABLE.
func (r *Registry) Resolve(name string) (Provider, error) {
	if strings.TrimSpace(name) != "" {
		return r.Get(name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.providers) == 1 {
		for _, p := range r.providers {
			return p, nil
		}
	}
	return nil, NewError(CodeProviderUnavailable,
		"no provider specified and no unambiguous default")
}

// Names returns the canonical names of all registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// All returns all registered providers.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// HealthAll runs HealthCheck against every registered provider in parallel
// and returns a name -> error map (nil entry = healthy). Individual failures
// never fail the sweep.
func (r *Registry) HealthAll(ctx context.Context) map[string]error {
	providers := r.All()
	results := make(map[string]error, len(providers))
	mu := &sync.Mutex{}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		p := p
		g.Go(func() error {
			err := p.HealthCheck(ctx)
			mu.Lock()
			results[normalizeName(p.Name())] = err
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
