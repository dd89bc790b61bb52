package contest

import (
	"fmt"
	"sync"
)

// Registry manages strategy registration and lookup. It provides a
// thread-safe way to register and retrieve strategies by game type.
type Registry struct {
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewRegistry creates a new strategy registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry.
// If a strategy with the same game type already exists, it is replaced.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("cannot register nil strategy")
	}
	if s.GameType() == "" {
		return fmt.Errorf("strategy game type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.GameType()] = s
	return nil
}

// Get retrieves a strategy by game type.
// Returns the strategy and true if found, nil and false otherwise.
func (r *Registry) Get(gameType string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[gameType]
	return s, ok
}

// GameTypes returns all registered game types.
func (r *Registry) GameTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.strategies))
	for gt := range r.strategies {
		types = append(types, gt)
	}
	return types
}

// Count returns the number of registered strategies.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}
