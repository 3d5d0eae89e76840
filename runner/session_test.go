package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bhangun/gollek/core"
)

func countingLoader(loads *int, mu *sync.Mutex) BackendLoader {
	return func(ctx context.Context, manifest *core.ModelManifest, config core.RunnerConfig) (ModelBackend, error) {
		mu.Lock()
		*loads++
		mu.Unlock()
		return NewMockBackend(64).WithArgmax(3), nil
	}
}

func manifestFor(tenant, model string) *core.ModelManifest {
	return &core.ModelManifest{
		ModelID:  model,
		Version:  "1",
		TenantID: tenant,
		Artifacts: map[core.ModelFormat]string{
			core.FormatGGUF: "mock://" + model,
		},
	}
}

func testManagerConfig(max int) SessionManagerConfig {
	return SessionManagerConfig{
		MaxSessions: max,
		SessionTTL:  time.Hour,
		SweepEvery:  time.Hour,
		Runner:      core.RunnerConfig{BatchSize: 512, MaxConcurrentRequests: 1},
	}
}

// TestSessionReuse verifies one runner per (tenant, model)
func TestSessionReuse(t *testing.T) {
	var loads int
	var mu sync.Mutex
	sm := NewSessionManager(countingLoader(&loads, &mu), testManagerConfig(4))
	defer sm.Close()

	m := manifestFor("t1", "m1")
	s1, err := sm.Acquire(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	sm.Release(s1)

	s2, err := sm.Acquire(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	sm.Release(s2)

	if s1 != s2 {
		t.Error("same (tenant, model) must reuse the session")
	}
	if loads != 1 {
		t.Errorf("expected 1 model load, got %d", loads)
	}
}

// TestSessionIsolation verifies distinct (tenant, model) pairs never share
// a runner
func TestSessionIsolation(t *testing.T) {
	var loads int
	var mu sync.Mutex
	sm := NewSessionManager(countingLoader(&loads, &mu), testManagerConfig(4))
	defer sm.Close()

	a, err := sm.Acquire(context.Background(), manifestFor("t1", "m1"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := sm.Acquire(context.Background(), manifestFor("t2", "m1"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := sm.Acquire(context.Background(), manifestFor("t1", "m2"))
	if err != nil {
		t.Fatal(err)
	}

	if a.Runner == b.Runner || a.Runner == c.Runner || b.Runner == c.Runner {
		t.Error("distinct (tenant, model) pairs share a Runner")
	}
	sm.Release(a)
	sm.Release(b)
	sm.Release(c)
}

// TestSessionLRUEviction verifies capacity overflow evicts the idle LRU
func TestSessionLRUEviction(t *testing.T) {
	var loads int
	var mu sync.Mutex
	sm := NewSessionManager(countingLoader(&loads, &mu), testManagerConfig(2))
	defer sm.Close()

	s1, _ := sm.Acquire(context.Background(), manifestFor("t", "m1"))
	sm.Release(s1)
	time.Sleep(5 * time.Millisecond)
	s2, _ := sm.Acquire(context.Background(), manifestFor("t", "m2"))
	sm.Release(s2)

	// Third model forces eviction of m1 (the LRU)
	s3, err := sm.Acquire(context.Background(), manifestFor("t", "m3"))
	if err != nil {
		t.Fatal(err)
	}
	sm.Release(s3)

	if sm.Len() != 2 {
		t.Errorf("expected 2 live sessions, got %d", sm.Len())
	}

	// Reacquiring m1 must reload
	before := loads
	s4, err := sm.Acquire(context.Background(), manifestFor("t", "m1"))
	if err != nil {
		t.Fatal(err)
	}
	sm.Release(s4)
	if loads != before+1 {
		t.Error("evicted session should have been reloaded")
	}
}

// TestSessionBusyWhenNothingEvictable verifies the retryable busy error
func TestSessionBusyWhenNothingEvictable(t *testing.T) {
	var loads int
	var mu sync.Mutex
	sm := NewSessionManager(countingLoader(&loads, &mu), testManagerConfig(1))
	defer sm.Close()

	held, err := sm.Acquire(context.Background(), manifestFor("t", "m1"))
	if err != nil {
		t.Fatal(err)
	}
	// m1 is in flight; a second model cannot be placed
	_, err = sm.Acquire(context.Background(), manifestFor("t", "m2"))
	if err == nil {
		t.Fatal("expected busy error")
	}
	if !errors.Is(err, core.ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
	if !core.IsRetryable(err) {
		t.Error("busy must be retryable")
	}

	sm.Release(held)
	// Now the idle session is evictable
	s2, err := sm.Acquire(context.Background(), manifestFor("t", "m2"))
	if err != nil {
		t.Fatalf("after release, acquire should succeed: %v", err)
	}
	sm.Release(s2)
}

// TestSessionTTLSweep verifies idle sessions are evicted by the background
// sweep
func TestSessionTTLSweep(t *testing.T) {
	var loads int
	var mu sync.Mutex
	cfg := testManagerConfig(4)
	cfg.SessionTTL = 20 * time.Millisecond
	cfg.SweepEvery = 10 * time.Millisecond
	sm := NewSessionManager(countingLoader(&loads, &mu), cfg)
	defer sm.Close()

	s, _ := sm.Acquire(context.Background(), manifestFor("t", "m1"))
	sm.Release(s)

	deadline := time.Now().Add(time.Second)
	for sm.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sm.Len() != 0 {
		t.Error("idle session should have been swept")
	}
}

// TestSessionInFlightSurvivesSweep verifies in-flight sessions are skipped
func TestSessionInFlightSurvivesSweep(t *testing.T) {
	var loads int
	var mu sync.Mutex
	cfg := testManagerConfig(4)
	cfg.SessionTTL = 10 * time.Millisecond
	cfg.SweepEvery = 5 * time.Millisecond
	sm := NewSessionManager(countingLoader(&loads, &mu), cfg)
	defer sm.Close()

	s, _ := sm.Acquire(context.Background(), manifestFor("t", "m1"))
	time.Sleep(40 * time.Millisecond)

	if sm.Len() != 1 {
		t.Error("in-flight session must survive the sweep")
	}
	sm.Release(s)
}
