package providers

import (
	"fmt"
	"sort"
	"sync"
)

// ProviderBuilder is a function that creates an uninitialized provider instance
type ProviderBuilder func(config ProviderConfig) (Provider, error)

// Factory maps provider types to builders
type Factory struct {
	mu       sync.RWMutex
	builders map[string]ProviderBuilder
}

// NewFactory creates an empty factory
func NewFactory() *Factory {
	return &Factory{
		builders: make(map[string]ProviderBuilder),
	}
}

// WithBuilder registers a builder for a provider type
func (f *Factory) WithBuilder(providerType string, builder ProviderBuilder) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.builders[providerType] = builder
	return f
}

// Build creates a provider of the given type
func (f *Factory) Build(providerType string, config ProviderConfig) (Provider, error) {
	f.mu.RLock()
	builder, exists := f.builders[providerType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProviderType, providerType)
	}

	provider, err := builder(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider %s: %w", providerType, err)
	}
	return provider, nil
}

// Supports reports whether a builder exists for the type
func (f *Factory) Supports(providerType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.builders[providerType]
	return exists
}

// Types returns the registered provider types in sorted order
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.builders))
	for name := range f.builders {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
