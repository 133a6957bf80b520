// Package registry holds the ordered set of in-app messaging providers and
// the global configuration merged into each of them.
//
// Identity is by name, but names are not unique: registering two providers
// with the same name keeps both, and Lookup/Unregister act on the first.
package registry

import (
	"log/slog"
	"sync"

	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/provider"
)

// DefaultFactory builds the provider registered when ConfigureAll finds the
// registry empty.
type DefaultFactory func() provider.Provider

// Registry is safe for concurrent use. Provider.Configure is always called
// outside the registry lock.
type Registry struct {
	mu        sync.RWMutex
	providers []provider.Provider
	config    model.Config

	logger     *slog.Logger
	newDefault DefaultFactory
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDefault sets the factory for the default provider. Without one,
// ConfigureAll leaves an empty registry empty.
func WithDefault(factory DefaultFactory) Option {
	return func(r *Registry) {
		r.newDefault = factory
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		config: model.Config{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends p and configures it with the global configuration merged
// with p's own section. Providers failing provider.Accepts are ignored.
// It reports whether p was added.
func (r *Registry) Register(p provider.Provider) bool {
	if !provider.Accepts(p) {
		if p != nil {
			r.logger.Warn("provider rejected",
				"provider", p.Name(),
				"category", p.Category(),
				"subCategory", p.SubCategory(),
			)
		}
		return false
	}

	r.mu.Lock()
	r.providers = append(r.providers, p)
	cfg := r.config
	r.mu.Unlock()

	r.configure(p, cfg)
	return true
}

// Unregister removes the first provider named name. It reports whether one
// was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.providers {
		if p.Name() == name {
			r.providers = append(r.providers[:i:i], r.providers[i+1:]...)
			return true
		}
	}
	r.logger.Info("provider not registered", "provider", name)
	return false
}

// Lookup returns the first provider named name.
func (r *Registry) Lookup(name string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// ConfigureAll shallow-merges cfg onto the stored configuration, then
// reconfigures every registered provider with the result. An empty registry
// gets the default provider, which is configured on its registration path.
// It returns a copy of the effective configuration.
func (r *Registry) ConfigureAll(cfg model.Config) model.Config {
	r.mu.Lock()
	r.config = r.config.Merge(cfg)
	effective := r.config
	providers := append([]provider.Provider(nil), r.providers...)
	r.mu.Unlock()

	for _, p := range providers {
		r.configure(p, effective)
	}

	if len(providers) == 0 && r.newDefault != nil {
		if p := r.newDefault(); !r.Register(p) {
			r.logger.Warn("default provider rejected")
		}
	}

	return effective.Clone()
}

// Providers returns a snapshot in registration order.
func (r *Registry) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]provider.Provider(nil), r.providers...)
}

// Config returns a copy of the stored global configuration.
func (r *Registry) Config() model.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Clone()
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

func (r *Registry) configure(p provider.Provider, global model.Config) {
	scoped := global.Merge(global.Section(p.Name()))
	if err := p.Configure(scoped); err != nil {
		r.logger.Error("provider configure failed", "provider", p.Name(), "error", err)
	}
}
