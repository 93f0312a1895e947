package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AxelMcKenna/Trolley/internal/ingest"
)

// AdapterFactory builds a fresh adapter for one run. Adapters hold per-run
// state (auth tokens, cursors), so each run gets its own instance.
type AdapterFactory func() ingest.SourceAdapter

// Registry maps chain identifiers to adapter factories. Registration happens
// once at startup; lookups are read-mostly thereafter.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]AdapterFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]AdapterFactory)}
}

func (r *Registry) Register(chain string, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[chain] = factory
}

// Adapter instantiates the adapter for chain, or errors for unknown chains.
func (r *Registry) Adapter(chain string) (ingest.SourceAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[chain]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown chain: %s", chain)
	}
	return factory(), nil
}

// Has reports whether chain is registered.
func (r *Registry) Has(chain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[chain]
	return ok
}

// Chains returns all registered chain identifiers, sorted for stable
// scheduling order.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chains := make([]string, 0, len(r.factories))
	for chain := range r.factories {
		chains = append(chains, chain)
	}
	sort.Strings(chains)
	return chains
}
