package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/registry"
	"github.com/bhangun/gollek/resilience"
	"github.com/bhangun/gollek/routing"
	"github.com/bhangun/gollek/runner"
)

// fakeProvider is a scriptable provider for pipeline tests
type fakeProvider struct {
	id      string
	calls   atomic.Int32
	inferFn func(attempt int32, ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error)
}

func (f *fakeProvider) ID() string                  { return f.id }
func (f *fakeProvider) Name() string                { return f.id }
func (f *fakeProvider) Version() string             { return "1" }
func (f *fakeProvider) Metadata() map[string]string { return nil }

func (f *fakeProvider) Capabilities() runner.Capabilities {
	return runner.Capabilities{
		Streaming:        false,
		SupportedFormats: []core.ModelFormat{core.FormatGGUF},
		SupportedDevices: []core.Device{core.DeviceCPU},
	}
}

func (f *fakeProvider) Supports(modelID string, req *core.InferenceRequest) bool { return true }

func (f *fakeProvider) Infer(ctx context.Context, req *core.InferenceRequest, manifest *core.ModelManifest) (*core.InferenceResponse, error) {
	n := f.calls.Add(1)
	if f.inferFn != nil {
		return f.inferFn(n-1, ctx, req)
	}
	return &core.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		Content:      "from " + f.id,
		InputTokens:  1,
		OutputTokens: 2,
		TokensUsed:   3,
	}, nil
}

func (f *fakeProvider) Initialize(config map[string]interface{}) error { return nil }
func (f *fakeProvider) Shutdown() error                                { return nil }

type fixtureOptions struct {
	quota       resilience.QuotaStore
	maxAttempts int
	backoff     time.Duration
	rateBurst   int64
	emulate     bool
}

func pipelineFixture(t *testing.T, opts fixtureOptions, providers ...routing.Provider) *Orchestrator {
	t.Helper()

	if opts.maxAttempts == 0 {
		opts.maxAttempts = 3
	}
	if opts.backoff == 0 {
		opts.backoff = 10 * time.Millisecond
	}
	if opts.rateBurst == 0 {
		opts.rateBurst = 100
	}
	if opts.quota == nil {
		opts.quota = resilience.NewCommunityQuota()
	}

	manifests := registry.NewMemoryRegistry()
	if _, err := manifests.RegisterModel(context.Background(), registry.UploadRequest{
		ModelID:  "demo",
		Version:  "1",
		TenantID: DefaultTenant,
		Artifacts: map[core.ModelFormat]string{
			core.FormatGGUF: "mock://demo",
		},
	}); err != nil {
		t.Fatal(err)
	}

	providerRegistry := routing.NewProviderRegistry(0, nil)
	for _, p := range providers {
		if err := providerRegistry.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	return NewOrchestrator(OrchestratorConfig{
		Retry: core.RetryConfig{
			MaxAttempts:    opts.maxAttempts,
			InitialBackoff: opts.backoff,
			MaxBackoff:     time.Second,
			SyncTimeout:    time.Minute,
		},
		Manifests: manifests,
		Providers: providerRegistry,
		Router:    routing.NewRouter(providerRegistry, 0, nil),
		Quota:     opts.quota,
		Limiter:   resilience.NewKeyedLimiter(opts.rateBurst, 1000, nil),
		Breakers: resilience.NewBreakerGroup(&resilience.BreakerConfig{
			Name:             "test",
			FailureThreshold: 100,
			OpenDuration:     time.Hour,
			HalfOpenProbes:   1,
		}),
		EmulateStreaming: opts.emulate,
	})
}

func demoRequest() *core.InferenceRequest {
	return &core.InferenceRequest{Model: "demo"}
}

// TestRetryThenSuccess drives the S2 scenario: transient failure on attempt
// 0, success on attempt 1, backoff observed
func TestRetryThenSuccess(t *testing.T) {
	provider := &fakeProvider{id: "flaky"}
	provider.inferFn = func(attempt int32, ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
		if attempt == 0 {
			return nil, errors.New("timeout contacting backend")
		}
		return &core.InferenceResponse{
			RequestID: req.RequestID, Model: req.Model,
			Content: "recovered", InputTokens: 1, OutputTokens: 1, TokensUsed: 2,
		}, nil
	}

	o := pipelineFixture(t, fixtureOptions{backoff: 10 * time.Millisecond}, provider)

	start := time.Now()
	resp, err := o.Execute(context.Background(), demoRequest())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("unexpected response %q", resp.Content)
	}
	if provider.calls.Load() != 2 {
		t.Errorf("expected 2 invocations, got %d", provider.calls.Load())
	}
	if elapsed < 10*time.Millisecond {
		t.Errorf("backoff not observed: %v", elapsed)
	}
}

// TestNonRetryableStopsImmediately drives the S3 scenario
func TestNonRetryableStopsImmediately(t *testing.T) {
	validationErr := core.Errorf("provider.validate", core.KindValidation, "malformed request")
	provider := &fakeProvider{id: "strict"}
	provider.inferFn = func(attempt int32, ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
		return nil, validationErr
	}

	o := pipelineFixture(t, fixtureOptions{}, provider)
	_, err := o.Execute(context.Background(), demoRequest())
	if err == nil {
		t.Fatal("expected failure")
	}

	var ie *core.InferenceError
	if !errors.As(err, &ie) || ie.Kind != core.KindValidation {
		t.Errorf("error should surface unchanged, got %v", err)
	}
	if provider.calls.Load() != 1 {
		t.Errorf("backend must be invoked exactly once, got %d", provider.calls.Load())
	}
}

// TestRetryBound verifies at most maxAttempts+1 invocations with growing
// backoff
func TestRetryBound(t *testing.T) {
	provider := &fakeProvider{id: "dead"}
	provider.inferFn = func(attempt int32, ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
		return nil, errors.New("service unavailable")
	}

	const maxAttempts = 2
	o := pipelineFixture(t, fixtureOptions{maxAttempts: maxAttempts, backoff: 5 * time.Millisecond}, provider)

	start := time.Now()
	_, err := o.Execute(context.Background(), demoRequest())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected exhaustion")
	}
	if got := provider.calls.Load(); got != maxAttempts+1 {
		t.Errorf("expected %d invocations, got %d", maxAttempts+1, got)
	}
	// Sleeps: 5ms (attempt 0) + 10ms (attempt 1)
	if elapsed < 15*time.Millisecond {
		t.Errorf("expected cumulative backoff >= 15ms, got %v", elapsed)
	}
}

// TestFallbackOnRetry verifies the second attempt consults the prior
// decision's fallback list
func TestFallbackOnRetry(t *testing.T) {
	// "alpha" wins the first routing by id tie-break; it always fails
	primary := &fakeProvider{id: "alpha"}
	primary.inferFn = func(attempt int32, ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
		return nil, errors.New("connection refused")
	}
	backup := &fakeProvider{id: "beta"}

	o := pipelineFixture(t, fixtureOptions{backoff: time.Millisecond}, primary, backup)

	resp, err := o.Execute(context.Background(), demoRequest())
	if err != nil {
		t.Fatalf("fallback should succeed: %v", err)
	}
	if resp.Content != "from beta" {
		t.Errorf("expected the fallback provider's response, got %q", resp.Content)
	}
	if primary.calls.Load() != 1 || backup.calls.Load() != 1 {
		t.Errorf("expected one call each, got alpha=%d beta=%d",
			primary.calls.Load(), backup.calls.Load())
	}
}

// TestQuotaExhaustionConcurrent drives the S6 scenario: cap 10, 11
// concurrent submissions, exactly one QuotaExceeded
func TestQuotaExhaustionConcurrent(t *testing.T) {
	quota := resilience.NewMemoryQuota(map[string]int64{resilience.ResourceRequests: 10}, nil)
	provider := &fakeProvider{id: "ok"}
	o := pipelineFixture(t, fixtureOptions{quota: quota}, provider)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		quotaErrs atomic.Int32
		others    atomic.Int32
	)
	for i := 0; i < 11; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Execute(context.Background(), demoRequest())
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, core.ErrQuotaExceeded):
				quotaErrs.Add(1)
			default:
				others.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 10 || quotaErrs.Load() != 1 || others.Load() != 0 {
		t.Errorf("expected 10 successes and 1 quota rejection, got ok=%d quota=%d other=%d",
			successes.Load(), quotaErrs.Load(), others.Load())
	}
}

// TestQuotaRejectionConsumesNoRateToken verifies admission ordering: a
// quota-rejected request leaves the rate bucket untouched
func TestQuotaRejectionConsumesNoRateToken(t *testing.T) {
	quota := resilience.NewMemoryQuota(map[string]int64{resilience.ResourceRequests: 1}, nil)
	provider := &fakeProvider{id: "ok"}
	// A burst of exactly 2 with a glacial refill: if the quota rejection
	// consumed a token, the final request would be rate limited
	o := pipelineFixture(t, fixtureOptions{quota: quota, rateBurst: 2, maxAttempts: 0}, provider)
	o.config.Limiter = resilience.NewKeyedLimiter(2, 0.0001, nil)

	if _, err := o.Execute(context.Background(), demoRequest()); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := o.Execute(context.Background(), demoRequest()); !errors.Is(err, core.ErrQuotaExceeded) {
		t.Fatalf("second request should hit quota, got %v", err)
	}

	// Reopen quota and confirm the rate token survived
	quota2 := resilience.NewMemoryQuota(nil, nil)
	o.config.Quota = quota2
	if _, err := o.Execute(context.Background(), demoRequest()); err != nil {
		t.Errorf("rate token was consumed by the quota rejection: %v", err)
	}
}

// TestRateLimitedSurfaces verifies the retryable rate error after
// exhausting retries
func TestRateLimitedSurfaces(t *testing.T) {
	provider := &fakeProvider{id: "ok"}
	o := pipelineFixture(t, fixtureOptions{maxAttempts: 1, backoff: time.Millisecond}, provider)
	o.config.Limiter = resilience.NewKeyedLimiter(1, 0.0001, nil)

	if _, err := o.Execute(context.Background(), demoRequest()); err != nil {
		t.Fatal(err)
	}
	_, err := o.Execute(context.Background(), demoRequest())
	if !errors.Is(err, core.ErrRateLimited) {
		t.Errorf("expected rate limit error, got %v", err)
	}
}

// TestModelNotFound verifies routing failure without invoking any backend
func TestModelNotFound(t *testing.T) {
	provider := &fakeProvider{id: "ok"}
	o := pipelineFixture(t, fixtureOptions{}, provider)

	_, err := o.Execute(context.Background(), &core.InferenceRequest{Model: "absent"})
	if !errors.Is(err, core.ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if core.IsRetryable(err) {
		t.Error("model-not-found must not be retryable")
	}
	if provider.calls.Load() != 0 {
		t.Errorf("backend invoked despite missing model: %d", provider.calls.Load())
	}
}

// TestRequestIDMinted verifies a blank request id is assigned
func TestRequestIDMinted(t *testing.T) {
	provider := &fakeProvider{id: "ok"}
	o := pipelineFixture(t, fixtureOptions{}, provider)

	resp, err := o.Execute(context.Background(), demoRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.RequestID == "" {
		t.Error("pipeline must mint a request id")
	}
}

// TestUsageRecorded verifies tokensUsed is debited against the provider
func TestUsageRecorded(t *testing.T) {
	quota := resilience.NewMemoryQuota(nil, nil)
	provider := &fakeProvider{id: "ok"}
	o := pipelineFixture(t, fixtureOptions{quota: quota}, provider)

	resp, err := o.Execute(context.Background(), demoRequest())
	if err != nil {
		t.Fatal(err)
	}
	if got := quota.Usage("ok"); got != int64(resp.TokensUsed) {
		t.Errorf("expected %d tokens recorded, got %d", resp.TokensUsed, got)
	}
}

// TestInferSyncTimeout verifies the synchronous timeout surfaces as a
// retryable timeout error
func TestInferSyncTimeout(t *testing.T) {
	provider := &fakeProvider{id: "slow"}
	provider.inferFn = func(attempt int32, ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &core.InferenceResponse{RequestID: req.RequestID}, nil
		}
	}

	o := pipelineFixture(t, fixtureOptions{maxAttempts: 0}, provider)
	o.config.Retry.SyncTimeout = 30 * time.Millisecond

	_, err := o.InferSync(context.Background(), demoRequest())
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !core.IsRetryable(err) {
		t.Error("sync timeout must be retryable")
	}
}
