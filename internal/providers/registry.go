package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Binding pairs an adapter with the base URL it talks to by default.
type Binding struct {
	ProviderID string
	Adapter    Adapter
	BaseURL    string
}

// Registry maps provider ids to adapters. It is filled once at startup and
// only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register binds providerID to an adapter. Registering the same id twice is
// a programming error.
func (r *Registry) Register(providerID string, a Adapter, baseURL string) error {
	if providerID == "" || a == nil {
		return fmt.Errorf("providers: invalid registration for %q", providerID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.bindings[providerID]; dup {
		return fmt.Errorf("providers: %q already registered", providerID)
	}
	r.bindings[providerID] = Binding{ProviderID: providerID, Adapter: a, BaseURL: baseURL}
	return nil
}

// Lookup returns the binding for providerID.
func (r *Registry) Lookup(providerID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[providerID]
	return b, ok
}

// IDs lists registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
