package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeworks/forge/pkg/config"
	"github.com/forgeworks/forge/pkg/models"
)

// Registry holds the configured providers and routes execution to the active
// one. Provider configuration can change at runtime (settings API, config
// hot reload) without touching the orchestration core.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Registered
}

// Registered pairs a provider with its configuration.
type Registered struct {
	Config   config.Provider
	Provider Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Registered)}
}

// build constructs the Provider implementation for a config entry.
func build(cfg config.Provider) (Provider, error) {
	switch cfg.Type {
	case "openrouter", "ollama", "openai", "custom":
		// All speak the OpenAI-compatible chat surface.
		return NewHTTPProvider(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "mock":
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// Upsert registers a provider or replaces an existing one with the same ID.
func (r *Registry) Upsert(cfg config.Provider) error {
	p, err := build(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[cfg.ID] = &Registered{Config: cfg, Provider: p}
	return nil
}

// LoadAll replaces the registry contents with the given configuration,
// used at startup and on config hot reload.
func (r *Registry) LoadAll(cfgs []config.Provider) error {
	fresh := make(map[string]*Registered, len(cfgs))
	for _, cfg := range cfgs {
		p, err := build(cfg)
		if err != nil {
			return fmt.Errorf("provider %s: %w", cfg.ID, err)
		}
		fresh[cfg.ID] = &Registered{Config: cfg, Provider: p}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = fresh
	return nil
}

// Unregister removes a provider.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; !exists {
		return fmt.Errorf("provider %s not found", id)
	}
	delete(r.providers, id)
	return nil
}

// Get retrieves a registered provider by ID.
func (r *Registry) Get(id string) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[id]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", id)
	}
	return p, nil
}

// List returns all registered providers.
func (r *Registry) List() []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registered, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// SetEnabled flips a provider's enabled flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.providers[id]
	if !exists {
		return fmt.Errorf("provider %s not found", id)
	}
	p.Config.Enabled = enabled
	return nil
}

// Active returns the first enabled provider, or an error when none is.
func (r *Registry) Active() (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.Config.Enabled {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no enabled provider configured")
}

// Execute routes one attempt to the active provider. A missing or disabled
// provider is an agent-class failure: the capability is down, not the task.
func (r *Registry) Execute(ctx context.Context, role models.Role, payload string) (string, error) {
	active, err := r.Active()
	if err != nil {
		return "", NewExecutionError(FailureAgent, err)
	}
	return active.Provider.Execute(ctx, role, payload)
}
