package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/pkg/provider/llm"
	"github.com/MrWong99/verbatim/pkg/provider/stt"
)

var (
	// ErrProviderNotRegistered is returned by CreateLLM and CreateSTT when no
	// factory is registered under the requested name.
	ErrProviderNotRegistered = errors.New("config: provider not registered")

	// ErrBackendNotRegistered is returned by CreateStore when no factory is
	// registered for the requested backend.
	ErrBackendNotRegistered = errors.New("config: store backend not registered")
)

// StoreFactory opens a learned-rule store.
type StoreFactory func(ctx context.Context, cfg StoreConfig) (learning.Store, error)

// Registry maps backend and provider names to constructors. Factories are
// registered by the binary so this package stays free of driver imports. It
// is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[StoreBackend]StoreFactory
	llm    map[string]func(ProviderEntry) (llm.Provider, error)
	stt    map[string]func(ProviderEntry) (stt.Provider, error)
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[StoreBackend]StoreFactory),
		llm:    make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:    make(map[string]func(ProviderEntry) (stt.Provider, error)),
	}
}

// RegisterStore registers the factory for backend, replacing any earlier one.
func (r *Registry) RegisterStore(backend StoreBackend, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[backend] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateStore opens the store selected by cfg.Backend.
func (r *Registry) CreateStore(ctx context.Context, cfg StoreConfig) (learning.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates the STT provider registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
