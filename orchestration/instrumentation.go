package orchestration

import (
	"time"

	"github.com/bhangun/gollek/telemetry"
)

// MetricsObserver forwards lifecycle events to the telemetry package.
// Subscribe one instance per orchestrator.
type MetricsObserver struct{}

func (MetricsObserver) OnStart(token *ExecutionToken) {
	telemetry.Counter("pipeline.requests")
	token.SetVariable(varStartedAt, time.Now())
}

func (MetricsObserver) OnPhase(phase string, token *ExecutionToken) {
	telemetry.Counter("pipeline.phase", "phase", phase)
}

func (MetricsObserver) OnPluginExecute(id string, token *ExecutionToken) {
	telemetry.Counter("pipeline.plugin", "plugin", id)
}

func (MetricsObserver) OnProviderInvoke(id string, token *ExecutionToken) {
	telemetry.Counter("pipeline.provider_invocations", "provider", id)
}

func (MetricsObserver) OnSuccess(token *ExecutionToken) {
	telemetry.Counter("pipeline.completed", "status", "success")
	if started, ok := token.Variable(varStartedAt); ok {
		if t, ok := started.(time.Time); ok {
			telemetry.Duration("pipeline.duration_ms", t, "status", "success")
		}
	}
}

func (MetricsObserver) OnFailure(err error, token *ExecutionToken) {
	telemetry.Counter("pipeline.completed", "status", "failure")
	if started, ok := token.Variable(varStartedAt); ok {
		if t, ok := started.(time.Time); ok {
			telemetry.Duration("pipeline.duration_ms", t, "status", "failure")
		}
	}
}

const varStartedAt = "metrics.started_at"
