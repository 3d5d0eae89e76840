package routing

import (
	"context"

	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/runner"
)

// GGUFProvider serves GGUF artifacts through the in-process session pool.
// It is the engine's default local backend.
type GGUFProvider struct {
	id       string
	sessions *runner.SessionManager
	logger   core.Logger
}

// NewGGUFProvider creates the local GGUF provider over a session pool
func NewGGUFProvider(sessions *runner.SessionManager, logger core.Logger) *GGUFProvider {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &GGUFProvider{
		id:       "gguf-local",
		sessions: sessions,
		logger:   logger,
	}
}

func (p *GGUFProvider) ID() string      { return p.id }
func (p *GGUFProvider) Name() string    { return "Local GGUF runner" }
func (p *GGUFProvider) Version() string { return "1" }

func (p *GGUFProvider) Metadata() map[string]string {
	return map[string]string{"execution": "in-process"}
}

func (p *GGUFProvider) Capabilities() runner.Capabilities {
	return runner.Capabilities{
		Streaming:        true,
		SupportedFormats: []core.ModelFormat{core.FormatGGUF},
		SupportedDevices: []core.Device{core.DeviceCPU},
	}
}

func (p *GGUFProvider) Supports(modelID string, req *core.InferenceRequest) bool {
	return true
}

func (p *GGUFProvider) Initialize(config map[string]interface{}) error { return nil }

func (p *GGUFProvider) Shutdown() error {
	p.sessions.Close()
	return nil
}

// Infer acquires the tenant's session and runs one synchronous inference
func (p *GGUFProvider) Infer(ctx context.Context, req *core.InferenceRequest, manifest *core.ModelManifest) (*core.InferenceResponse, error) {
	session, err := p.sessions.Acquire(ctx, manifest)
	if err != nil {
		return nil, err
	}
	defer p.sessions.Release(session)

	return session.Runner.Infer(ctx, req)
}

// InferStream acquires the tenant's session and streams deltas. The session
// is released when the stream drains or the context dies.
func (p *GGUFProvider) InferStream(ctx context.Context, req *core.InferenceRequest, manifest *core.ModelManifest) (<-chan core.StreamChunk, error) {
	session, err := p.sessions.Acquire(ctx, manifest)
	if err != nil {
		return nil, err
	}

	inner, err := session.Runner.InferStream(ctx, req)
	if err != nil {
		p.sessions.Release(session)
		return nil, err
	}

	out := make(chan core.StreamChunk)
	go func() {
		defer close(out)
		defer p.sessions.Release(session)
		for chunk := range inner {
			select {
			case <-ctx.Done():
				// Drain the runner so its permit is released promptly
				for range inner {
				}
				return
			case out <- chunk:
			}
		}
	}()
	return out, nil
}

var (
	_ Provider          = (*GGUFProvider)(nil)
	_ StreamingProvider = (*GGUFProvider)(nil)
)
