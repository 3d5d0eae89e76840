// Command gollek runs one inference against the engine from the command
// line. It is an operational harness for the pipeline, not a serving
// surface; the HTTP layer lives outside this repository.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/bhangun/gollek/audit"
	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/orchestration"
	"github.com/bhangun/gollek/registry"
	"github.com/bhangun/gollek/resilience"
	"github.com/bhangun/gollek/routing"
	"github.com/bhangun/gollek/runner"
	"github.com/bhangun/gollek/telemetry"
)

// Exit codes
const (
	exitOK          = 0
	exitConfig      = 64
	exitModelLoad   = 65
	exitUnavailable = 69
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		model      = flag.String("model", "demo", "logical model id (name[:version])")
		prompt     = flag.String("prompt", "", "prompt text (used when no chat messages)")
		stream     = flag.Bool("stream", false, "stream deltas to stdout")
		demo       = flag.Bool("demo", false, "use the in-process mock backend")
	)
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.ServiceName)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(cfg.ServiceName)
		if err != nil {
			logger.Warn("Telemetry init failed", map[string]interface{}{
				"operation": "telemetry_init_failed",
				"error":     err.Error(),
			})
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
	}

	engine, err := buildEngine(cfg, redisClient, logger, *demo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return exitModelLoad
	}
	defer engine.shutdown()

	req := &core.InferenceRequest{
		Model:     *model,
		Streaming: *stream,
		Parameters: map[string]interface{}{
			"prompt": *prompt,
		},
	}

	ctx := context.Background()
	if *stream {
		chunks, err := engine.orchestrator.ExecuteStream(ctx, req)
		if err != nil {
			return reportFailure(err)
		}
		for chunk := range chunks {
			fmt.Print(chunk.Delta)
		}
		fmt.Println()
		return exitOK
	}

	resp, err := engine.orchestrator.InferSync(ctx, req)
	if err != nil {
		return reportFailure(err)
	}
	fmt.Println(resp.Content)
	return exitOK
}

// engine bundles everything the entrypoint owns
type engine struct {
	orchestrator *orchestration.Orchestrator
	providers    *routing.ProviderRegistry
	sessions     *runner.SessionManager
}

func (e *engine) shutdown() {
	e.providers.Shutdown()
}

func buildEngine(cfg *core.Config, redisClient *redis.Client, logger core.Logger, demo bool) (*engine, error) {
	loader := nativeLoader(demo)

	sessions := runner.NewSessionManager(loader, runner.SessionManagerConfig{
		MaxSessions: cfg.Sessions.MaxSessions,
		SessionTTL:  cfg.Sessions.SessionTTL,
		SweepEvery:  cfg.Sessions.SweepEvery,
		Runner:      cfg.Runner,
		Logger:      logger,
	})

	providers := routing.NewProviderRegistry(cfg.Routing.HealthCacheDuration, logger)
	if err := providers.Register(routing.NewGGUFProvider(sessions, logger)); err != nil {
		return nil, err
	}

	router := routing.NewRouter(providers, cfg.Routing.DecisionCacheSize, logger)

	var manifests registry.Registry
	if redisClient != nil {
		manifests = registry.NewRedisRegistry(redisClient, logger)
	} else {
		mem := registry.NewMemoryRegistry()
		if demo {
			if _, err := mem.RegisterModel(context.Background(), registry.UploadRequest{
				ModelID:  "demo",
				Version:  "1",
				TenantID: orchestration.DefaultTenant,
				Artifacts: map[core.ModelFormat]string{
					core.FormatGGUF: "mock://demo",
				},
				SupportedDevices: []core.Device{core.DeviceCPU},
			}); err != nil {
				return nil, err
			}
		}
		manifests = mem
	}

	var quota resilience.QuotaStore
	caps := map[string]int64{
		resilience.ResourceRequests: cfg.Limits.QuotaRequests,
		resilience.ResourceTokens:   cfg.Limits.QuotaTokens,
	}
	switch {
	case redisClient != nil:
		quota = resilience.NewRedisQuotaStore(redisClient, caps, logger)
	case cfg.Limits.QuotaRequests > 0 || cfg.Limits.QuotaTokens > 0:
		quota = resilience.NewMemoryQuota(caps, logger)
	default:
		quota = resilience.NewCommunityQuota()
	}

	observers := orchestration.NewObserverBus(logger)
	observers.Subscribe(&orchestration.LoggingObserver{Logger: logger})
	observers.Subscribe(orchestration.MetricsObserver{})

	var sink audit.Sink = audit.LogSink{Logger: logger}
	if redisClient != nil {
		sink = audit.NewRedisSink(redisClient, logger)
	}

	orchestrator := orchestration.NewOrchestrator(orchestration.OrchestratorConfig{
		Retry:     cfg.Retry,
		Manifests: manifests,
		Providers: providers,
		Router:    router,
		Quota:     quota,
		Limiter:   resilience.NewKeyedLimiter(int64(cfg.Limits.RateBurst), cfg.Limits.RatePerSecond, logger),
		Breakers: resilience.NewBreakerGroup(&resilience.BreakerConfig{
			Name:             "pipeline",
			FailureThreshold: cfg.Limits.FailureThreshold,
			OpenDuration:     cfg.Limits.OpenDuration,
			HalfOpenProbes:   cfg.Limits.HalfOpenProbes,
			Logger:           logger,
		}),
		Observers:        observers,
		Audit:            sink,
		Logger:           logger,
		EmulateStreaming: cfg.Routing.EmulateStreaming,
	})

	return &engine{
		orchestrator: orchestrator,
		providers:    providers,
		sessions:     sessions,
	}, nil
}

// nativeLoader returns the backend loader. The mock backend serves demo
// runs; a production build links a native GGUF kernel here.
func nativeLoader(demo bool) runner.BackendLoader {
	return func(ctx context.Context, manifest *core.ModelManifest, config core.RunnerConfig) (runner.ModelBackend, error) {
		if demo {
			backend := runner.NewMockBackend(512).WithArgmax(7)
			backend.EOGToken = 0
			return backend, nil
		}
		location, ok := manifest.Artifacts[core.FormatGGUF]
		if !ok {
			return nil, fmt.Errorf("manifest %s has no GGUF artifact", manifest.ModelID)
		}
		if _, err := os.Stat(location); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", location, err)
		}
		return nil, errors.New("native GGUF runtime is not linked into this build")
	}
}

func reportFailure(err error) int {
	fmt.Fprintf(os.Stderr, "inference: %v\n", err)

	var ie *core.InferenceError
	if errors.As(err, &ie) {
		switch ie.Kind {
		case core.KindQuotaExceeded, core.KindRateLimited, core.KindCircuitOpen:
			return exitUnavailable
		case core.KindModelNotFound:
			return exitModelLoad
		}
	}
	return 1
}
