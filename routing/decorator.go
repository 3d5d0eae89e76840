package routing

import (
	"context"
	"fmt"

	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/resilience"
)

// Reliable wraps any Provider with the uniform admission stack:
// quota check, then rate limit, then circuit breaker, with usage recorded
// on success. Composition replaces the inheritance hooks of template-method
// provider hierarchies: every backend gets exactly the same treatment.
type Reliable struct {
	Provider

	quota    resilience.QuotaStore
	limiter  *resilience.KeyedLimiter
	breakers *resilience.BreakerGroup
	logger   core.Logger
}

// WithReliability decorates a provider
func WithReliability(p Provider, quota resilience.QuotaStore, limiter *resilience.KeyedLimiter, breakers *resilience.BreakerGroup, logger core.Logger) *Reliable {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Reliable{
		Provider: p,
		quota:    quota,
		limiter:  limiter,
		breakers: breakers,
		logger:   logger,
	}
}

// Infer applies quota -> rate -> breaker around the wrapped provider
func (r *Reliable) Infer(ctx context.Context, req *core.InferenceRequest, manifest *core.ModelManifest) (*core.InferenceResponse, error) {
	tenantID := manifest.TenantID

	if err := r.admit(ctx, tenantID, req); err != nil {
		return nil, err
	}

	var resp *core.InferenceResponse
	breakerKey := tenantID + ":" + r.ID()
	err := r.breakers.Execute(ctx, breakerKey, func() error {
		var inferErr error
		resp, inferErr = r.Provider.Infer(ctx, req, manifest)
		return inferErr
	})
	if err != nil {
		return nil, err
	}

	r.quota.RecordUsage(ctx, r.ID(), int64(resp.TokensUsed))
	return resp, nil
}

// admit runs quota before rate so a rejected request never burns a rate
// token
func (r *Reliable) admit(ctx context.Context, tenantID string, req *core.InferenceRequest) error {
	admitted, err := r.quota.CheckAndIncrement(ctx, tenantID, resilience.ResourceRequests, 1)
	if err != nil {
		return core.NewError("reliable.admit", core.KindTransient, err)
	}
	if !admitted {
		return core.Errorf("reliable.admit", core.KindQuotaExceeded,
			"%w: tenant %s", core.ErrQuotaExceeded, tenantID)
	}

	rateKey := tenantID + ":" + req.Model
	if !r.limiter.TryAcquire(rateKey) {
		return core.Errorf("reliable.admit", core.KindRateLimited,
			"%w: %s", core.ErrRateLimited, rateKey)
	}
	return nil
}

// EmulateStream converts a completed response into a finite chunk stream
// for providers that cannot stream natively. Optional and config-gated.
const emulatedChunkBytes = 24

func EmulateStream(req *core.InferenceRequest, resp *core.InferenceResponse) <-chan core.StreamChunk {
	chunks := make(chan core.StreamChunk)
	go func() {
		defer close(chunks)
		seq := 0
		content := resp.Content
		for len(content) > 0 {
			n := emulatedChunkBytes
			if n > len(content) {
				n = len(content)
			}
			chunks <- core.StreamChunk{
				RequestID: req.RequestID,
				Sequence:  seq,
				Delta:     content[:n],
			}
			seq++
			content = content[n:]
		}
		chunks <- core.StreamChunk{
			RequestID: req.RequestID,
			Sequence:  seq,
			Final:     true,
		}
	}()
	return chunks
}

var _ Provider = (*Reliable)(nil)

// String identifies the decorator in logs
func (r *Reliable) String() string {
	return fmt.Sprintf("reliable(%s)", r.ID())
}
