package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bhangun/gollek/audit"
	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/registry"
	"github.com/bhangun/gollek/resilience"
	"github.com/bhangun/gollek/routing"
)

// DefaultTenant is used when a request carries no tenant hint
const DefaultTenant = "default"

// OrchestratorConfig wires the pipeline's collaborators
type OrchestratorConfig struct {
	Retry     core.RetryConfig
	Manifests registry.Registry
	Providers *routing.ProviderRegistry
	Router    *routing.Router
	Quota     resilience.QuotaStore
	Limiter   *resilience.KeyedLimiter
	Breakers  *resilience.BreakerGroup
	Observers *ObserverBus
	Audit     audit.Sink
	Logger    core.Logger

	// EmulateStreaming lets non-streaming providers serve streaming
	// requests by chunking the completed response
	EmulateStreaming bool
}

// Orchestrator drives one request from validation through admission,
// routing and execution to a terminal state, retrying with exponential
// backoff while the failure is retryable and attempts remain.
type Orchestrator struct {
	config OrchestratorConfig
	logger core.Logger
}

// NewOrchestrator creates the pipeline
func NewOrchestrator(config OrchestratorConfig) *Orchestrator {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Observers == nil {
		config.Observers = NewObserverBus(config.Logger)
	}
	if config.Audit == nil {
		config.Audit = audit.NoopSink{}
	}
	if config.Retry.MaxAttempts == 0 && config.Retry.InitialBackoff == 0 {
		config.Retry = core.DefaultConfig().Retry
	}
	return &Orchestrator{config: config, logger: config.Logger}
}

// Execute runs one request to completion
func (o *Orchestrator) Execute(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	req, tenant := o.prepare(req)
	ctx = core.WithRequestID(ctx, req.RequestID)
	start := time.Now()

	token := NewExecutionToken(req.RequestID)
	if err := token.Apply(SignalStart); err != nil {
		return nil, err
	}
	o.config.Observers.OnStart(token)

	resp, decision, err := o.run(ctx, token, req, tenant)
	if err != nil {
		o.config.Observers.OnFailure(err, token)
		o.recordAudit(ctx, token, req, tenant, decision, nil, err, start)
		return nil, err
	}

	o.config.Observers.OnSuccess(token)
	o.recordAudit(ctx, token, req, tenant, decision, resp, nil, start)
	return resp, nil
}

// InferSync is Execute bounded by the configured synchronous timeout
func (o *Orchestrator) InferSync(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	timeout := o.config.Retry.SyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.Execute(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, core.Errorf("orchestrator.InferSync", core.KindTransient,
			"%w after %s", core.ErrTimeout, timeout)
	}
	return resp, err
}

// run owns the retry loop. The token is RUNNING on entry to every attempt.
func (o *Orchestrator) run(ctx context.Context, token *ExecutionToken, req *core.InferenceRequest, tenant string) (*core.InferenceResponse, *routing.Decision, error) {
	// Quota is consumed exactly once per request, before any rate token
	token.SetPhase("quota")
	o.config.Observers.OnPhase("quota", token)
	admitted, err := o.config.Quota.CheckAndIncrement(ctx, tenant, resilience.ResourceRequests, 1)
	if err != nil {
		ferr := core.NewError("orchestrator.quota", core.KindTransient, err)
		o.failToken(token)
		return nil, nil, ferr
	}
	if !admitted {
		ferr := core.Errorf("orchestrator.quota", core.KindQuotaExceeded,
			"%w: tenant %s", core.ErrQuotaExceeded, tenant)
		o.failToken(token)
		return nil, nil, ferr
	}

	var (
		lastErr      error
		lastDecision *routing.Decision
	)

	for {
		resp, decision, err := o.attempt(ctx, token, req, tenant, lastDecision)
		if decision != nil {
			lastDecision = decision
		}
		if err == nil {
			token.SetVariable(VariableResponse, resp)
			if err := token.Apply(SignalExecutionSuccess); err != nil {
				return nil, lastDecision, err
			}
			o.config.Quota.RecordUsage(ctx, decision.ProviderID, int64(resp.TokensUsed))
			return resp, lastDecision, nil
		}
		lastErr = err

		if token.Cancelled() || errors.Is(err, context.Canceled) {
			_ = token.Apply(SignalCancel)
			return nil, lastDecision, lastErr
		}

		if !core.IsRetryable(err) || token.Attempt() >= o.config.Retry.MaxAttempts {
			o.failToken(token)
			return nil, lastDecision, lastErr
		}

		// RUNNING -> RETRYING; the attempt counter increments here
		if err := token.Apply(SignalPhaseFailure); err != nil {
			return nil, lastDecision, err
		}
		o.config.Observers.OnPhase("retry", token)

		o.logger.WarnWithContext(ctx, "Attempt failed, retrying", map[string]interface{}{
			"operation": "pipeline_retry",
			"attempt":   token.Attempt(),
			"max":       o.config.Retry.MaxAttempts,
			"error":     lastErr.Error(),
		})

		if err := o.backoff(ctx, token.Attempt()-1); err != nil {
			_ = token.Apply(SignalCancel)
			return nil, lastDecision, lastErr
		}

		if err := token.Apply(SignalStart); err != nil {
			return nil, lastDecision, err
		}
	}
}

// attempt performs rate admission, routing and one breaker-guarded
// execution
func (o *Orchestrator) attempt(ctx context.Context, token *ExecutionToken, req *core.InferenceRequest, tenant string, prior *routing.Decision) (*core.InferenceResponse, *routing.Decision, error) {
	token.SetPhase("rate")
	o.config.Observers.OnPhase("rate", token)
	if !o.config.Limiter.TryAcquire(tenant + ":" + req.Model) {
		return nil, prior, core.Errorf("orchestrator.rate", core.KindRateLimited,
			"%w: tenant %s model %s", core.ErrRateLimited, tenant, req.Model)
	}

	token.SetPhase("route")
	o.config.Observers.OnPhase("route", token)
	decision, err := o.route(ctx, token, req, tenant, prior)
	if err != nil {
		return nil, prior, err
	}

	token.SetPhase("execute")
	o.config.Observers.OnPhase("execute", token)
	o.config.Observers.OnProviderInvoke(decision.ProviderID, token)

	var resp *core.InferenceResponse
	breakerKey := tenant + ":" + decision.ProviderID
	execErr := o.config.Breakers.Execute(ctx, breakerKey, func() error {
		r, ierr := decision.Provider.Infer(ctx, req, decision.Manifest)
		if ierr != nil {
			return routing.WrapProviderError(decision.ProviderID, ierr)
		}
		resp = r
		return nil
	})
	if execErr != nil {
		return nil, decision, execErr
	}
	return resp, decision, nil
}

// route resolves a manifest and selects a provider. On a retry the prior
// decision's fallback list is consulted first; only when it is exhausted is
// the router asked to score again.
func (o *Orchestrator) route(ctx context.Context, token *ExecutionToken, req *core.InferenceRequest, tenant string, prior *routing.Decision) (*routing.Decision, error) {
	if prior != nil && token.Attempt() > 0 {
		if d, ok := o.popFallback(prior); ok {
			o.logger.InfoWithContext(ctx, "Retrying on fallback provider", map[string]interface{}{
				"operation": "routing_fallback",
				"provider":  d.ProviderID,
				"attempt":   token.Attempt(),
			})
			return d, nil
		}
	}

	name, version := req.ModelName()
	manifest, err := o.config.Manifests.FindManifest(ctx, name, tenant, version)
	if err != nil {
		return nil, core.NewError("orchestrator.route", core.KindTransient, err)
	}
	if manifest == nil {
		if direct, ok := routing.DirectPathManifest(req, tenant); ok {
			manifest = direct
		} else {
			kind := core.KindModelNotFound
			ierr := core.Errorf("orchestrator.route", kind,
				"%w: %s for tenant %s", core.ErrModelNotFound, req.Model, tenant)
			if version != "" && version != core.VersionLatest {
				ierr.Code = core.CodeModelVersionNotFound
			}
			return nil, ierr
		}
	}

	rctx := routing.RoutingContext{
		Request:           req,
		TenantID:          tenant,
		PreferredProvider: req.PreferredProvider,
		DeviceHint:        deviceHint(req),
		Timeout:           req.Timeout,
		CostSensitive:     costSensitive(req),
		Priority:          req.Priority,
	}
	return o.config.Router.Select(manifest, rctx)
}

// popFallback builds a decision for the first still-registered fallback
// provider and shifts the remaining list
func (o *Orchestrator) popFallback(prior *routing.Decision) (*routing.Decision, bool) {
	for i, id := range prior.FallbackProviders {
		p, ok := o.config.Providers.Get(id)
		if !ok {
			continue
		}
		return &routing.Decision{
			ProviderID:        id,
			Provider:          p,
			Score:             prior.Score,
			FallbackProviders: prior.FallbackProviders[i+1:],
			Manifest:          prior.Manifest,
			Context:           prior.Context,
		}, true
	}
	return nil, false
}

// backoff sleeps min(initial * 2^attempt, max), honoring cancellation
func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	delay := o.config.Retry.InitialBackoff
	for i := 0; i < attempt && delay < o.config.Retry.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > o.config.Retry.MaxBackoff {
		delay = o.config.Retry.MaxBackoff
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failToken walks the token to FAILED through legal transitions only
func (o *Orchestrator) failToken(token *ExecutionToken) {
	if token.Status() == StatusRunning {
		_ = token.Apply(SignalPhaseFailure)
	}
	if token.Status() == StatusRetrying {
		_ = token.Apply(SignalRetryExhausted)
	}
}

// prepare clones the request, mints a request id when absent and resolves
// the tenant
func (o *Orchestrator) prepare(req *core.InferenceRequest) (*core.InferenceRequest, string) {
	out := req.Clone()
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	tenant := out.TenantHint
	if tenant == "" {
		tenant = DefaultTenant
	}
	return out, tenant
}

func (o *Orchestrator) recordAudit(ctx context.Context, token *ExecutionToken, req *core.InferenceRequest, tenant string, decision *routing.Decision, resp *core.InferenceResponse, failure error, start time.Time) {
	entry := audit.NewEntry(req.RequestID, tenant, req.Model)
	entry.DurationMs = time.Since(start).Milliseconds()
	if decision != nil {
		entry.ProviderID = decision.ProviderID
	}
	if failure != nil {
		entry.Status = "failed"
		entry.ErrorCode = string(core.ToErrorResponse(req.RequestID, failure).ErrorCode)
	} else {
		entry.Status = "completed"
		entry.TokensUsed = resp.TokensUsed
	}
	if err := o.config.Audit.Record(ctx, entry); err != nil {
		o.logger.Warn("Audit record failed", map[string]interface{}{
			"operation": "audit_record_failed",
			"error":     err.Error(),
		})
	}
}

func deviceHint(req *core.InferenceRequest) core.Device {
	if req.Parameters == nil {
		return ""
	}
	if s, ok := req.Parameters["device"].(string); ok {
		return core.Device(s)
	}
	return ""
}

func costSensitive(req *core.InferenceRequest) bool {
	if req.Parameters == nil {
		return false
	}
	b, _ := req.Parameters["cost_sensitive"].(bool)
	return b
}
