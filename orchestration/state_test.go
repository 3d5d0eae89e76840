package orchestration

import (
	"errors"
	"testing"

	"github.com/bhangun/gollek/core"
)

// TestStateMachineHappyPath walks CREATED -> RUNNING -> COMPLETED
func TestStateMachineHappyPath(t *testing.T) {
	token := NewExecutionToken("r")
	if token.Status() != StatusCreated {
		t.Fatalf("fresh token should be CREATED, got %s", token.Status())
	}

	if err := token.Apply(SignalStart); err != nil {
		t.Fatal(err)
	}
	if token.Status() != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", token.Status())
	}

	if err := token.Apply(SignalExecutionSuccess); err != nil {
		t.Fatal(err)
	}
	if token.Status() != StatusCompleted || !token.Terminal() {
		t.Errorf("expected terminal COMPLETED, got %s", token.Status())
	}
}

// TestStateMachineRetryPath walks the retry loop and exhaustion
func TestStateMachineRetryPath(t *testing.T) {
	token := NewExecutionToken("r")
	mustApply(t, token, SignalStart)
	mustApply(t, token, SignalPhaseFailure)

	if token.Status() != StatusRetrying {
		t.Fatalf("expected RETRYING, got %s", token.Status())
	}
	if token.Attempt() != 1 {
		t.Errorf("attempt should increment entering RETRYING, got %d", token.Attempt())
	}

	mustApply(t, token, SignalStart)
	mustApply(t, token, SignalPhaseFailure)
	if token.Attempt() != 2 {
		t.Errorf("attempt should be 2, got %d", token.Attempt())
	}

	mustApply(t, token, SignalRetryExhausted)
	if token.Status() != StatusFailed || !token.Terminal() {
		t.Errorf("expected terminal FAILED, got %s", token.Status())
	}
}

// TestStateMachineIllegalTransitions verifies everything outside the table
// errors and leaves state untouched
func TestStateMachineIllegalTransitions(t *testing.T) {
	cases := []struct {
		name    string
		prepare []Signal
		signal  Signal
	}{
		{"success from created", nil, SignalExecutionSuccess},
		{"failure from created", nil, SignalPhaseFailure},
		{"cancel from created", nil, SignalCancel},
		{"start while running", []Signal{SignalStart}, SignalStart},
		{"success while retrying", []Signal{SignalStart, SignalPhaseFailure}, SignalExecutionSuccess},
		{"exhausted while running", []Signal{SignalStart}, SignalRetryExhausted},
		{"start after completed", []Signal{SignalStart, SignalExecutionSuccess}, SignalStart},
		{"anything after failed", []Signal{SignalStart, SignalCancel}, SignalStart},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token := NewExecutionToken("r")
			for _, s := range tc.prepare {
				mustApply(t, token, s)
			}
			before := token.Status()
			err := token.Apply(tc.signal)
			if !errors.Is(err, core.ErrInvalidState) {
				t.Errorf("expected ErrInvalidState, got %v", err)
			}
			if token.Status() != before {
				t.Errorf("illegal transition mutated state: %s -> %s", before, token.Status())
			}
		})
	}
}

// TestStateMachineCancel verifies CANCEL from both live states
func TestStateMachineCancel(t *testing.T) {
	running := NewExecutionToken("r")
	mustApply(t, running, SignalStart)
	mustApply(t, running, SignalCancel)
	if running.Status() != StatusFailed {
		t.Errorf("cancel from RUNNING should fail the token, got %s", running.Status())
	}

	retrying := NewExecutionToken("r")
	mustApply(t, retrying, SignalStart)
	mustApply(t, retrying, SignalPhaseFailure)
	mustApply(t, retrying, SignalCancel)
	if retrying.Status() != StatusFailed {
		t.Errorf("cancel from RETRYING should fail the token, got %s", retrying.Status())
	}
}

// TestAttemptNeverDecreases exercises the monotonic attempt counter
func TestAttemptNeverDecreases(t *testing.T) {
	token := NewExecutionToken("r")
	mustApply(t, token, SignalStart)

	last := token.Attempt()
	for i := 0; i < 5; i++ {
		mustApply(t, token, SignalPhaseFailure)
		if token.Attempt() < last {
			t.Fatalf("attempt decreased: %d -> %d", last, token.Attempt())
		}
		last = token.Attempt()
		mustApply(t, token, SignalStart)
	}
}

// TestTokenVariables verifies the keyed variable store
func TestTokenVariables(t *testing.T) {
	token := NewExecutionToken("r")
	token.SetVariable(VariableResponse, "value")

	v, ok := token.Variable(VariableResponse)
	if !ok || v != "value" {
		t.Errorf("variable roundtrip failed: %v %v", v, ok)
	}
	if _, ok := token.Variable("absent"); ok {
		t.Error("absent variable should miss")
	}
}

func mustApply(t *testing.T, token *ExecutionToken, s Signal) {
	t.Helper()
	if err := token.Apply(s); err != nil {
		t.Fatalf("apply %s in %s: %v", s, token.Status(), err)
	}
}
