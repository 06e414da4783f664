package validate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Registry holds named schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	def     string
}

// NewRegistry registers the built-in profile and post schemas followed by
// schemas, which may override them. defaultName is used when a job leaves
// its schema empty.
func NewRegistry(defaultName string, schemas ...*Schema) (*Registry, error) {
	if defaultName == "" {
		defaultName = "profile"
	}
	r := &Registry{schemas: make(map[string]*Schema), def: defaultName}
	for _, s := range append([]*Schema{ProfileSchema(), PostSchema()}, schemas...) {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	if _, ok := r.schemas[defaultName]; !ok {
		return nil, fmt.Errorf("default schema %q is not registered", defaultName)
	}
	return r, nil
}

// Register adds or replaces a schema.
func (r *Registry) Register(s *Schema) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("register schema: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
	return nil
}

// Lookup returns the named schema or a ConfigurationError.
func (r *Registry) Lookup(name string) (*Schema, error) {
	if name == "" {
		name = r.def
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return nil, &scrape.ConfigurationError{Kind: "schema", Name: name}
	}
	return s, nil
}

// Names lists registered schemas in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
