package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxform/voxform/pkg/provider/extract"
	"github.com/voxform/voxform/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     map[string]func(ProviderEntry) (stt.Provider, error)
	extract map[string]func(ProviderEntry) (extract.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:     make(map[string]func(ProviderEntry) (stt.Provider, error)),
		extract: make(map[string]func(ProviderEntry) (extract.Provider, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterExtract registers a field-extraction provider factory under name.
func (r *Registry) RegisterExtract(name string, factory func(ProviderEntry) (extract.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extract[name] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateExtract instantiates a field-extraction provider using the factory
// registered under entry.Name.
func (r *Registry) CreateExtract(entry ProviderEntry) (extract.Provider, error) {
	r.mu.RLock()
	factory, ok := r.extract[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: extract/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
