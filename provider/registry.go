package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// Factory builds a VideoProvider from its descriptor and materialized
// credentials. Adapter packages register factories from init().
type Factory interface {
	// Name returns the adapter name matched against descriptor.Adapter.
	Name() string

	// Create builds a provider instance for one descriptor.
	Create(descriptor *core.ProviderDescriptor, opts Options) (VideoProvider, error)
}

// Options carries cross-cutting dependencies into adapters.
type Options struct {
	// APIKey is the already-materialized credential for the provider.
	APIKey string

	// Logger is an optional logger.
	Logger core.Logger
}

// Registry manages registered adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Global registry instance.
var registry = &Registry{factories: make(map[string]Factory)}

// Register registers an adapter factory.
// Typically called from init() functions in adapter packages.
func Register(factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.factories[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	registry.factories[name] = factory
	return nil
}

// MustRegister registers a factory and panics on error.
// Use in init() functions where errors cannot be handled.
func MustRegister(factory Factory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register adapter: %v", err))
	}
}

// Get retrieves a registered factory by adapter name.
func Get(name string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[name]
	return f, ok
}

// List returns all registered adapter names, sorted.
func List() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates providers for every configured descriptor.
// Unknown adapter names are a configuration error.
func Build(descriptors []core.ProviderDescriptor, credentials map[string]string, logger core.Logger) (map[string]VideoProvider, error) {
	out := make(map[string]VideoProvider, len(descriptors))
	for i := range descriptors {
		d := &descriptors[i]
		factory, ok := Get(d.Adapter)
		if !ok {
			return nil, fmt.Errorf("%w: provider %s uses unknown adapter %q (registered: %v)",
				core.ErrInvalidConfiguration, d.ID, d.Adapter, List())
		}
		p, err := factory.Create(d, Options{
			APIKey: credentials[d.CredentialsRef],
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", d.ID, err)
		}
		out[d.ID] = p
	}
	return out, nil
}
