package preload

import (
	"sort"
	"sync"

	"github.com/restopos/datacache/pkg/types"
)

// Registry maps a data type to the fetch function that loads it. Navigation
// preloading only warms types that have an entry here.
type Registry struct {
	mu      sync.RWMutex
	fetches map[string]types.FetchFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{fetches: make(map[string]types.FetchFunc)}
}

// Register sets the fetch function for typ, replacing any previous one
func (r *Registry) Register(typ string, fetch types.FetchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fetch == nil {
		delete(r.fetches, typ)
		return
	}
	r.fetches[typ] = fetch
}

// Lookup returns the fetch function for typ
func (r *Registry) Lookup(typ string) (types.FetchFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fetch, ok := r.fetches[typ]
	return fetch, ok
}

// Types returns the registered types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.fetches))
	for typ := range r.fetches {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
