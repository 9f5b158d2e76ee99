package llm

import (
	"sort"
	"sync"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// Registry maps service keys to backends
type Registry struct {
	backends       map[string]Backend
	factories      map[string]BackendFactory
	defaultService string
	mu             sync.RWMutex
}

// NewRegistry creates a new backend registry
func NewRegistry(defaultService string) *Registry {
	return &Registry{
		backends:       make(map[string]Backend),
		factories:      make(map[string]BackendFactory),
		defaultService: defaultService,
	}
}

// Register registers a backend instance under its own name
func (r *Registry) Register(backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend.Name()] = backend
}

// RegisterFactory registers a backend built on first use
func (r *Registry) RegisterFactory(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns the backend for name, failing with UnsupportedService for unknown or unconfigured services
func (r *Registry) Get(name string) (Backend, error) {
	if name == "" {
		name = r.defaultService
	}

	r.mu.RLock()
	b, ok := r.backends[name]
	factory, hasFactory := r.factories[name]
	r.mu.RUnlock()

	if !ok && hasFactory {
		r.mu.Lock()
		if b, ok = r.backends[name]; !ok {
			b = factory()
			r.backends[name] = b
			ok = true
		}
		r.mu.Unlock()
	}

	if !ok || !b.IsConfigured() {
		return nil, domain.UnsupportedService(name)
	}
	return b, nil
}

// Enabled reports whether conversations may be created for name
func (r *Registry) Enabled(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Services returns the configured service names in sorted order
func (r *Registry) Services() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.backends)+len(r.factories))
	for name := range r.backends {
		names = append(names, name)
	}
	for name := range r.factories {
		if _, ok := r.backends[name]; !ok {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	var services []string
	for _, name := range names {
		if r.Enabled(name) {
			services = append(services, name)
		}
	}
	sort.Strings(services)
	return services
}

// DefaultService returns the default service name
func (r *Registry) DefaultService() string {
	return r.defaultService
}

// ServiceInfo describes one enabled service
type ServiceInfo struct {
	Name         string   `json:"name"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
	Default      bool     `json:"default"`
}

// Info returns information about every enabled service
func (r *Registry) Info() []ServiceInfo {
	var infos []ServiceInfo
	for _, name := range r.Services() {
		b, err := r.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, ServiceInfo{
			Name:         name,
			Models:       b.AvailableModels(),
			DefaultModel: b.DefaultModel(),
			Default:      name == r.defaultService,
		})
	}
	return infos
}
