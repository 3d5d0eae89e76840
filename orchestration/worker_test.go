package orchestration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestWorkerPoolExecutesAll verifies every submitted task runs
func TestWorkerPoolExecutesAll(t *testing.T) {
	pool := NewWorkerPool(4, 16, nil)

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		if err := pool.Submit(context.Background(), func() { done.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}
	pool.Stop()

	if done.Load() != 20 {
		t.Errorf("expected 20 completed tasks, got %d", done.Load())
	}
}

// TestWorkerPoolSubmitHonorsContext verifies a full backlog respects ctx
func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil)
	release := make(chan struct{})

	// Occupy the single worker
	if err := pool.Submit(context.Background(), func() { <-release }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func() {})
	if err == nil {
		t.Error("submit should fail when the backlog is full and ctx expires")
	}

	close(release)
	pool.Stop()
}

// TestWorkerPoolStopIdempotent verifies double Stop is safe
func TestWorkerPoolStopIdempotent(t *testing.T) {
	pool := NewWorkerPool(2, 4, nil)
	pool.Stop()
	pool.Stop()
}
