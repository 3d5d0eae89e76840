// Package orchestration ties the pipeline together: the execution state
// machine, the retrying orchestrator, the observer bus and the worker pool.
package orchestration

import (
	"sync"

	"github.com/bhangun/gollek/core"
)

// Status is the lifecycle state of one execution
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Signal drives state transitions
type Signal string

const (
	SignalStart            Signal = "START"
	SignalExecutionSuccess Signal = "EXECUTION_SUCCESS"
	SignalPhaseFailure     Signal = "PHASE_FAILURE"
	SignalRetryExhausted   Signal = "RETRY_EXHAUSTED"
	SignalCancel           Signal = "CANCEL"
)

// transitions is the legal transition table. Anything absent is a
// programmer error surfaced as ErrInvalidState.
var transitions = map[Status]map[Signal]Status{
	StatusCreated: {
		SignalStart: StatusRunning,
	},
	StatusRunning: {
		SignalExecutionSuccess: StatusCompleted,
		SignalPhaseFailure:     StatusRetrying,
		SignalCancel:           StatusFailed,
	},
	StatusRetrying: {
		SignalStart:          StatusRunning,
		SignalRetryExhausted: StatusFailed,
		SignalCancel:         StatusFailed,
	},
}

// ExecutionToken tracks one request through the pipeline. It is owned by
// exactly one orchestration; the cancel flag is the only cross-goroutine
// surface.
type ExecutionToken struct {
	RequestID string

	mu        sync.Mutex
	phase     string
	status    Status
	attempt   int
	variables map[string]interface{}
	cancelled bool
}

// NewExecutionToken creates a token in CREATED
func NewExecutionToken(requestID string) *ExecutionToken {
	return &ExecutionToken{
		RequestID: requestID,
		status:    StatusCreated,
		variables: make(map[string]interface{}),
	}
}

// Apply transitions the token. Illegal transitions return ErrInvalidState
// and leave the token untouched.
func (t *ExecutionToken) Apply(signal Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, ok := transitions[t.status][signal]
	if !ok {
		return core.Errorf("token.Apply", core.KindInternal,
			"%w: %s + %s", core.ErrInvalidState, t.status, signal)
	}
	if next == StatusRetrying {
		t.attempt++
	}
	t.status = next
	return nil
}

// Status returns the current state
func (t *ExecutionToken) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Terminal reports whether the token reached COMPLETED or FAILED
func (t *ExecutionToken) Terminal() bool {
	s := t.Status()
	return s == StatusCompleted || s == StatusFailed
}

// Attempt returns the 0-based attempt counter
func (t *ExecutionToken) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// Phase returns the current pipeline phase label
func (t *ExecutionToken) Phase() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// SetPhase records the current pipeline phase
func (t *ExecutionToken) SetPhase(phase string) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
}

// Cancel sets the cooperative cancellation flag. The orchestrator reads it
// after a failed attempt and between forwarded stream chunks. The flag does
// not reach providers or the runner, which stop on context cancellation.
func (t *ExecutionToken) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Cancelled reports whether cancellation was requested
func (t *ExecutionToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// SetVariable stores a keyed value on the token
func (t *ExecutionToken) SetVariable(key string, value interface{}) {
	t.mu.Lock()
	t.variables[key] = value
	t.mu.Unlock()
}

// Variable retrieves a keyed value
func (t *ExecutionToken) Variable(key string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.variables[key]
	return v, ok
}

// VariableResponse is the well-known key holding the final response
const VariableResponse = "response"
