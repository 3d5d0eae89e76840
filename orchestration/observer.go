package orchestration

import (
	"fmt"
	"sync"

	"github.com/bhangun/gollek/core"
)

// Observer receives lifecycle events for one execution. Calls arrive
// synchronously on the execution goroutine and are totally ordered per
// request: start, then phases, then exactly one terminal callback.
// Implementations must be non-blocking and safe under concurrent invocation
// across requests.
type Observer interface {
	OnStart(token *ExecutionToken)
	OnPhase(phase string, token *ExecutionToken)
	OnPluginExecute(id string, token *ExecutionToken)
	OnProviderInvoke(id string, token *ExecutionToken)
	OnSuccess(token *ExecutionToken)
	OnFailure(err error, token *ExecutionToken)
}

// ObserverBus fans lifecycle events out to registered observers. A panic
// or misbehavior inside an observer never propagates to the pipeline.
type ObserverBus struct {
	mu        sync.RWMutex
	observers []Observer
	logger    core.Logger
}

// NewObserverBus creates an empty bus
func NewObserverBus(logger core.Logger) *ObserverBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ObserverBus{logger: logger}
}

// Subscribe adds an observer
func (b *ObserverBus) Subscribe(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

func (b *ObserverBus) each(event string, fn func(Observer)) {
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Observer panicked", map[string]interface{}{
						"operation": "observer_panic",
						"event":     event,
						"panic":     fmt.Sprintf("%v", r),
					})
				}
			}()
			fn(o)
		}()
	}
}

func (b *ObserverBus) OnStart(token *ExecutionToken) {
	b.each("start", func(o Observer) { o.OnStart(token) })
}

func (b *ObserverBus) OnPhase(phase string, token *ExecutionToken) {
	b.each("phase", func(o Observer) { o.OnPhase(phase, token) })
}

func (b *ObserverBus) OnPluginExecute(id string, token *ExecutionToken) {
	b.each("plugin", func(o Observer) { o.OnPluginExecute(id, token) })
}

func (b *ObserverBus) OnProviderInvoke(id string, token *ExecutionToken) {
	b.each("provider", func(o Observer) { o.OnProviderInvoke(id, token) })
}

func (b *ObserverBus) OnSuccess(token *ExecutionToken) {
	b.each("success", func(o Observer) { o.OnSuccess(token) })
}

func (b *ObserverBus) OnFailure(err error, token *ExecutionToken) {
	b.each("failure", func(o Observer) { o.OnFailure(err, token) })
}

// LoggingObserver writes one structured line per lifecycle event
type LoggingObserver struct {
	Logger core.Logger
}

func (l *LoggingObserver) OnStart(token *ExecutionToken) {
	l.Logger.Info("Execution started", map[string]interface{}{
		"operation": "execution_start", "request_id": token.RequestID,
	})
}

func (l *LoggingObserver) OnPhase(phase string, token *ExecutionToken) {
	l.Logger.Debug("Execution phase", map[string]interface{}{
		"operation": "execution_phase", "request_id": token.RequestID,
		"phase": phase, "attempt": token.Attempt(),
	})
}

func (l *LoggingObserver) OnPluginExecute(id string, token *ExecutionToken) {
	l.Logger.Debug("Plugin executing", map[string]interface{}{
		"operation": "plugin_execute", "request_id": token.RequestID, "plugin": id,
	})
}

func (l *LoggingObserver) OnProviderInvoke(id string, token *ExecutionToken) {
	l.Logger.Debug("Provider invoked", map[string]interface{}{
		"operation": "provider_invoke", "request_id": token.RequestID, "provider": id,
	})
}

func (l *LoggingObserver) OnSuccess(token *ExecutionToken) {
	l.Logger.Info("Execution completed", map[string]interface{}{
		"operation": "execution_success", "request_id": token.RequestID,
		"attempt": token.Attempt(),
	})
}

func (l *LoggingObserver) OnFailure(err error, token *ExecutionToken) {
	l.Logger.Error("Execution failed", map[string]interface{}{
		"operation": "execution_failure", "request_id": token.RequestID,
		"attempt": token.Attempt(), "error": err.Error(),
	})
}
