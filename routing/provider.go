// Package routing maps (model, request) pairs onto concrete execution
// backends. It owns the provider contract, the provider registry, the
// multi-factor router, and the reliability decorator applied uniformly to
// every backend.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/runner"
)

// Provider is one execution backend as seen by the router. Implementations
// wrap an in-process native kernel, a tensor runtime, or a remote API.
type Provider interface {
	// Identity
	ID() string
	Name() string
	Version() string

	// Metadata returns free-form descriptive attributes
	Metadata() map[string]string

	// Capabilities advertises streaming support, formats and devices
	Capabilities() runner.Capabilities

	// Supports reports whether the provider can serve this model/request
	Supports(modelID string, req *core.InferenceRequest) bool

	// Infer executes one request against the manifest's artifact
	Infer(ctx context.Context, req *core.InferenceRequest, manifest *core.ModelManifest) (*core.InferenceResponse, error)

	// Initialize prepares the provider; called once at startup
	Initialize(config map[string]interface{}) error

	// Shutdown releases provider resources; called once at exit
	Shutdown() error
}

// StreamingProvider is implemented by providers that stream natively
type StreamingProvider interface {
	Provider
	InferStream(ctx context.Context, req *core.InferenceRequest, manifest *core.ModelManifest) (<-chan core.StreamChunk, error)
}

// HealthReporter is implemented by providers that expose health probes.
// Probe results are cached by the registry.
type HealthReporter interface {
	Health() runner.HealthStatus
}

// RoutingContext is the router's snapshot of everything that influences a
// decision beyond the manifest itself
type RoutingContext struct {
	Request           *core.InferenceRequest
	TenantID          string
	PreferredProvider string
	DeviceHint        core.Device
	Timeout           time.Duration
	CostSensitive     bool
	Priority          int
}

// Decision is the router's output: a winner, its score, and up to two
// fallback provider ids tried on retry
type Decision struct {
	ProviderID        string
	Provider          Provider
	Score             int
	FallbackProviders []string
	Manifest          *core.ModelManifest
	Context           RoutingContext
}

// ProviderError wraps a failure thrown by a provider, preserving the
// provider identity and the retryability classification
type ProviderError struct {
	ProviderID string
	Message    string
	Cause      error
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.ProviderID, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider %s: %s", e.ProviderID, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// WrapProviderError classifies and wraps an error from a provider call
func WrapProviderError(providerID string, err error) *ProviderError {
	return &ProviderError{
		ProviderID: providerID,
		Message:    "inference failed",
		Cause:      err,
		Retryable:  core.IsRetryable(err),
	}
}
