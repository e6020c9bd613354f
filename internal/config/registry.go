package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.CreateRealtime] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RealtimeFactory builds a realtime provider from its config entry.
type RealtimeFactory func(ProviderEntry) (s2s.Provider, error)

// Registry maps realtime provider names to their constructors. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]RealtimeFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{realtime: make(map[string]RealtimeFactory)}
}

// RegisterRealtime registers factory under name. A later call with the same
// name replaces the earlier registration.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// CreateRealtime instantiates the provider registered under entry.Name.
func (r *Registry) CreateRealtime(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create realtime/%q: %w", entry.Name, err)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.realtime))
	for n := range r.realtime {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
