package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhangun/gollek/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a limited number of probe requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for the circuit breaker
type BreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// OpenDuration is how long to stay open before admitting probes
	OpenDuration time.Duration

	// HalfOpenProbes is the number of concurrent probes admitted half-open
	HalfOpenProbes int

	// Logger for state change events
	Logger core.Logger
}

// DefaultBreakerConfig returns production defaults
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
		HalfOpenProbes:   1,
		Logger:           &core.NoOpLogger{},
	}
}

// Validate checks the configuration
func (c *BreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.OpenDuration < 0 {
		return fmt.Errorf("open duration must be non-negative, got %v", c.OpenDuration)
	}
	if c.HalfOpenProbes < 1 {
		return fmt.Errorf("half-open probes must be at least 1, got %d", c.HalfOpenProbes)
	}
	return nil
}

// CircuitBreaker isolates a failing backend. Consecutive failures open the
// circuit; after OpenDuration a bounded number of probes decide whether the
// backend has recovered. Only calls that actually executed the wrapped
// operation count toward the failure/success tallies.
type CircuitBreaker struct {
	config *BreakerConfig

	mu             sync.Mutex
	state          CircuitState
	stateChangedAt time.Time
	consecutive    int // consecutive failures while closed
	probesInFlight int

	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker from config
func NewCircuitBreaker(config *BreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}, nil
}

// Execute runs fn under circuit breaker protection. When the circuit is
// open the call fails immediately with core.ErrCircuitOpen and fn is never
// invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	probe, admitted := cb.admit()
	if !admitted {
		cb.config.Logger.Debug("Circuit breaker rejected execution", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
			"state":     cb.State().String(),
		})
		return core.NewError("breaker.Execute", core.KindCircuitOpen,
			fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitOpen))
	}

	if err := ctx.Err(); err != nil {
		// Context death before execution is not a backend failure
		cb.release(probe)
		return err
	}

	err := fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed. The bool result is false only
// when the circuit rejects the call; probe marks half-open admissions.
func (cb *CircuitBreaker) admit() (probe bool, admitted bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if time.Since(cb.stateChangedAt) < cb.config.OpenDuration {
			return false, false
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probesInFlight >= cb.config.HalfOpenProbes {
			return false, false
		}
		cb.probesInFlight++
		return true, true
	}
	return false, false
}

// release returns an admission without recording an outcome (the wrapped
// operation never ran)
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	cb.probesInFlight--
	cb.mu.Unlock()
}

// record applies an executed call's outcome to the breaker state
func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probesInFlight--
	}

	if err == nil {
		cb.consecutive = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		// Any probe failure re-opens
		cb.transition(StateOpen)
	case StateClosed:
		cb.consecutive++
		if cb.consecutive >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// transition changes state. Caller holds the lock.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = time.Now()
	if to == StateClosed {
		cb.consecutive = 0
	}
	if to == StateHalfOpen {
		cb.probesInFlight = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
	})

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, from, to)
	}
}

// AddStateChangeListener registers a callback for state transitions
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.consecutive = 0
}

// BreakerGroup keeps one CircuitBreaker per key, typically
// "tenant:provider". Breakers are created lazily from a shared template.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	template BreakerConfig
}

// NewBreakerGroup creates a group whose members share the template config
func NewBreakerGroup(template *BreakerConfig) *BreakerGroup {
	if template == nil {
		template = DefaultBreakerConfig("default")
	}
	if template.Logger == nil {
		template.Logger = &core.NoOpLogger{}
	}
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		template: *template,
	}
}

// Get returns the breaker for key, creating it on first use
func (g *BreakerGroup) Get(key string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok = g.breakers[key]; ok {
		return cb
	}
	cfg := g.template
	cfg.Name = key
	cb, _ = NewCircuitBreaker(&cfg)
	g.breakers[key] = cb
	return cb
}

// Execute runs fn under the key's breaker
func (g *BreakerGroup) Execute(ctx context.Context, key string, fn func() error) error {
	return g.Get(key).Execute(ctx, fn)
}
