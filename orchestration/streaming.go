package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/resilience"
	"github.com/bhangun/gollek/routing"
)

// ExecuteStream runs one streaming request. Admission and routing retry the
// same way Execute does; once the first chunk is flowing the stream is
// committed and failures surface as a stream that ends without final=true.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req *core.InferenceRequest) (<-chan core.StreamChunk, error) {
	req, tenant := o.prepare(req)
	ctx = core.WithRequestID(ctx, req.RequestID)
	start := time.Now()

	token := NewExecutionToken(req.RequestID)
	if err := token.Apply(SignalStart); err != nil {
		return nil, err
	}
	o.config.Observers.OnStart(token)

	token.SetPhase("quota")
	o.config.Observers.OnPhase("quota", token)
	admitted, err := o.config.Quota.CheckAndIncrement(ctx, tenant, resilience.ResourceRequests, 1)
	if err != nil {
		return nil, o.failStream(ctx, token, req, tenant, nil, start,
			core.NewError("orchestrator.quota", core.KindTransient, err))
	}
	if !admitted {
		return nil, o.failStream(ctx, token, req, tenant, nil, start,
			core.Errorf("orchestrator.quota", core.KindQuotaExceeded,
				"%w: tenant %s", core.ErrQuotaExceeded, tenant))
	}

	var (
		lastErr      error
		lastDecision *routing.Decision
	)

	for {
		inner, decision, err := o.openStream(ctx, token, req, tenant, lastDecision)
		if decision != nil {
			lastDecision = decision
		}
		if err == nil {
			return o.superviseStream(ctx, token, req, tenant, decision, inner, start), nil
		}
		lastErr = err

		if token.Cancelled() || errors.Is(err, context.Canceled) {
			_ = token.Apply(SignalCancel)
			o.config.Observers.OnFailure(lastErr, token)
			o.recordAudit(ctx, token, req, tenant, lastDecision, nil, lastErr, start)
			return nil, lastErr
		}

		if !core.IsRetryable(err) || token.Attempt() >= o.config.Retry.MaxAttempts {
			return nil, o.failStream(ctx, token, req, tenant, lastDecision, start, lastErr)
		}

		if err := token.Apply(SignalPhaseFailure); err != nil {
			return nil, err
		}
		o.config.Observers.OnPhase("retry", token)
		if err := o.backoff(ctx, token.Attempt()-1); err != nil {
			_ = token.Apply(SignalCancel)
			return nil, o.failStream(ctx, token, req, tenant, lastDecision, start, lastErr)
		}
		if err := token.Apply(SignalStart); err != nil {
			return nil, err
		}
	}
}

// openStream performs rate admission and routing, then obtains the chunk
// channel under the breaker. Providers without native streaming are served
// by response emulation when enabled.
func (o *Orchestrator) openStream(ctx context.Context, token *ExecutionToken, req *core.InferenceRequest, tenant string, prior *routing.Decision) (<-chan core.StreamChunk, *routing.Decision, error) {
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

	breakerKey := tenant + ":" + decision.ProviderID

	if sp, ok := decision.Provider.(routing.StreamingProvider); ok {
		var inner <-chan core.StreamChunk
		execErr := o.config.Breakers.Execute(ctx, breakerKey, func() error {
			ch, serr := sp.InferStream(ctx, req, decision.Manifest)
			if serr != nil {
				return routing.WrapProviderError(decision.ProviderID, serr)
			}
			inner = ch
			return nil
		})
		if execErr != nil {
			return nil, decision, execErr
		}
		return inner, decision, nil
	}

	if !o.config.EmulateStreaming {
		return nil, decision, core.Errorf("orchestrator.stream", core.KindValidation,
			"provider %s cannot stream", decision.ProviderID)
	}

	var resp *core.InferenceResponse
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
	return routing.EmulateStream(req, resp), decision, nil
}

// superviseStream forwards chunks while tracking the terminal outcome:
// a final chunk closes the token as success and debits usage; a stream that
// drains without one is a cancellation or failure.
func (o *Orchestrator) superviseStream(ctx context.Context, token *ExecutionToken, req *core.InferenceRequest, tenant string, decision *routing.Decision, inner <-chan core.StreamChunk, start time.Time) <-chan core.StreamChunk {
	out := make(chan core.StreamChunk)

	go func() {
		defer close(out)

		deltas := 0
		finalSeen := false
		for chunk := range inner {
			if chunk.Final {
				finalSeen = true
			} else {
				deltas++
			}
			select {
			case <-ctx.Done():
				for range inner {
				}
				_ = token.Apply(SignalCancel)
				cerr := core.NewError("orchestrator.stream", core.KindCancelled, ctx.Err())
				o.config.Observers.OnFailure(cerr, token)
				o.recordAudit(ctx, token, req, tenant, decision, nil, cerr, start)
				return
			case out <- chunk:
			}
		}

		if !finalSeen {
			if ctx.Err() != nil || token.Cancelled() {
				_ = token.Apply(SignalCancel)
				cerr := core.NewError("orchestrator.stream", core.KindCancelled, context.Canceled)
				o.config.Observers.OnFailure(cerr, token)
				o.recordAudit(ctx, token, req, tenant, decision, nil, cerr, start)
				return
			}
			ferr := core.Errorf("orchestrator.stream", core.KindInternal,
				"stream from %s ended without terminal chunk", decision.ProviderID)
			o.failToken(token)
			o.config.Observers.OnFailure(ferr, token)
			o.recordAudit(ctx, token, req, tenant, decision, nil, ferr, start)
			return
		}

		resp := &core.InferenceResponse{
			RequestID:    req.RequestID,
			Model:        req.Model,
			OutputTokens: deltas,
			TokensUsed:   deltas,
			DurationMs:   time.Since(start).Milliseconds(),
		}
		token.SetVariable(VariableResponse, resp)
		_ = token.Apply(SignalExecutionSuccess)
		o.config.Quota.RecordUsage(ctx, decision.ProviderID, int64(deltas))
		o.config.Observers.OnSuccess(token)
		o.recordAudit(ctx, token, req, tenant, decision, resp, nil, start)
	}()

	return out
}

// failStream finishes a stream that never produced a channel
func (o *Orchestrator) failStream(ctx context.Context, token *ExecutionToken, req *core.InferenceRequest, tenant string, decision *routing.Decision, start time.Time, err error) error {
	o.failToken(token)
	o.config.Observers.OnFailure(err, token)
	o.recordAudit(ctx, token, req, tenant, decision, nil, err, start)
	return err
}
