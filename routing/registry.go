package routing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/runner"
)

// ProviderRegistry holds the registered execution backends. It is owned by
// the orchestrator entrypoint: constructed at startup, shut down on exit,
// never a hidden singleton inside components.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	health    map[string]cachedHealth
	healthTTL time.Duration
	logger    core.Logger
}

type cachedHealth struct {
	status  runner.HealthStatus
	probedAt time.Time
}

// NewProviderRegistry creates an empty registry. healthTTL gates redundant
// health probes; zero uses the 30 s default.
func NewProviderRegistry(healthTTL time.Duration, logger core.Logger) *ProviderRegistry {
	if healthTTL <= 0 {
		healthTTL = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ProviderRegistry{
		providers: make(map[string]Provider),
		health:    make(map[string]cachedHealth),
		healthTTL: healthTTL,
		logger:    logger,
	}
}

// Register adds a provider. Registering a duplicate id is an error.
func (r *ProviderRegistry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	id := p.ID()
	if id == "" {
		return fmt.Errorf("provider id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = p

	r.logger.Info("Provider registered", map[string]interface{}{
		"operation": "provider_registered",
		"provider":  id,
		"name":      p.Name(),
		"version":   p.Version(),
	})
	return nil
}

// Get returns a provider by id
func (r *ProviderRegistry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns all providers sorted by id for deterministic iteration
func (r *ProviderRegistry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Health returns the provider's health, probing at most once per healthTTL
func (r *ProviderRegistry) Health(id string) runner.HealthStatus {
	r.mu.RLock()
	cached, ok := r.health[id]
	p, exists := r.providers[id]
	r.mu.RUnlock()

	if ok && time.Since(cached.probedAt) < r.healthTTL {
		return cached.status
	}
	if !exists {
		return runner.HealthStatus{State: runner.Unhealthy, Message: "not registered"}
	}

	status := runner.HealthStatus{State: runner.Healthy}
	if hr, ok := p.(HealthReporter); ok {
		status = hr.Health()
	}

	r.mu.Lock()
	r.health[id] = cachedHealth{status: status, probedAt: time.Now()}
	r.mu.Unlock()
	return status
}

// Shutdown stops every provider. Errors are logged, not returned; shutdown
// keeps going.
func (r *ProviderRegistry) Shutdown() {
	for _, p := range r.List() {
		if err := p.Shutdown(); err != nil {
			r.logger.Warn("Provider shutdown failed", map[string]interface{}{
				"operation": "provider_shutdown_failed",
				"provider":  p.ID(),
				"error":     err.Error(),
			})
		}
	}
}
