package retry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Registry hands out one shared *Policy per name.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewRegistry validates and registers the given policies. The built-in
// "default" policy is added when absent.
func NewRegistry(policies ...*Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]*Policy, len(policies)+1)}
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if _, ok := r.policies["default"]; !ok {
		r.policies["default"] = DefaultPolicy()
	}
	return r, nil
}

// Register adds or replaces a policy.
func (r *Registry) Register(p *Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("register policy: %w", err)
	}
	if p.Name == "" {
		return fmt.Errorf("register policy: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name] = p
	return nil
}

// Lookup returns the named policy. An empty name resolves to "default".
func (r *Registry) Lookup(name string) (*Policy, error) {
	if name == "" {
		name = "default"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	if !ok {
		return nil, &scrape.ConfigurationError{Kind: "retry policy", Name: name}
	}
	return p, nil
}

// Names lists registered policy names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
