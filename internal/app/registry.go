package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gxo-labs/chatstate/internal/stores"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
)

// Registry holds the domain stores of one application by name. It is safe
// for concurrent use.
type Registry struct {
	stores map[string]stores.DomainStore
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]stores.DomainStore)}
}

// Register adds s under its own name. Empty and duplicate names are
// configuration errors.
func (r *Registry) Register(s stores.DomainStore) error {
	if s == nil {
		return cserrors.NewConfigError("store registration error: store cannot be nil", nil)
	}
	name := s.Name()
	if name == "" {
		return cserrors.NewConfigError("store registration error: name cannot be empty", nil)
	}
	if name == appStateName {
		return cserrors.NewConfigError(fmt.Sprintf("store registration error: name '%s' is reserved", name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stores[name]; exists {
		return cserrors.NewConfigError(fmt.Sprintf("store registration error: duplicate store name '%s'", name), nil)
	}
	r.stores[name] = s
	return nil
}

// Get returns the store registered as name or a StoreNotFoundError.
func (r *Registry) Get(name string) (stores.DomainStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.stores[name]
	if !exists {
		return nil, cserrors.NewStoreNotFoundError(name)
	}
	return s, nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered stores in name order.
func (r *Registry) All() []stores.DomainStore {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]stores.DomainStore, 0, len(names))
	for _, name := range names {
		if s, ok := r.stores[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
