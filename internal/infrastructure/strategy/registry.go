package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
)

// Info describes a registered counter-offer strategy
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

// Registry holds the counter-offer strategies available to the selection
// engine, keyed by name
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]scoring.CounterOfferStrategy
	def        string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]scoring.CounterOfferStrategy),
	}
}

// Register adds a strategy. Names are unique.
func (r *Registry) Register(s scoring.CounterOfferStrategy) error {
	if s == nil || s.Name() == "" {
		return shared.NewValidationError("counter-offer strategy must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, exists := r.strategies[name]; exists {
		return shared.NewConflictError("counter-offer strategy '%s' already registered", name)
	}
	r.strategies[name] = s
	return nil
}

// Get returns a strategy by name, or the default one when name is empty
func (r *Registry) Get(name string) (scoring.CounterOfferStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.def
		if name == "" {
			return nil, fmt.Errorf("%w: no default counter-offer strategy set", shared.ErrNotFound)
		}
	}
	s, exists := r.strategies[name]
	if !exists {
		return nil, shared.NewNotFoundError("counter-offer strategy", name)
	}
	return s, nil
}

// GetOrDefault returns the named strategy, falling back to the default one
func (r *Registry) GetOrDefault(name string) scoring.CounterOfferStrategy {
	s, err := r.Get(name)
	if err != nil {
		s, _ = r.Get("")
	}
	return s
}

// SetDefault selects the strategy returned for an empty name
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; !exists {
		return shared.NewNotFoundError("counter-offer strategy", name)
	}
	r.def = name
	return nil
}

// Default returns the name of the default strategy
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Unregister removes a strategy, clearing the default if it pointed to it
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; !exists {
		return shared.NewNotFoundError("counter-offer strategy", name)
	}
	delete(r.strategies, name)
	if r.def == name {
		r.def = ""
	}
	return nil
}

// IsRegistered reports whether a strategy of that name exists
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.strategies[name]
	return exists
}

// List returns the registered strategies sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.strategies))
	for name, s := range r.strategies {
		infos = append(infos, Info{
			Name:        name,
			Description: s.Description(),
			Default:     name == r.def,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
