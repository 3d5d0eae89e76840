package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// TestCommunityQuotaAlwaysAdmits verifies the standalone default: no caps,
// but usage events still flow
func TestCommunityQuotaAlwaysAdmits(t *testing.T) {
	q := NewCommunityQuota()

	var events []UsageEvent
	q.AddListener(func(e UsageEvent) { events = append(events, e) })

	for i := 0; i < 100; i++ {
		ok, err := q.CheckAndIncrement(context.Background(), "tenant", ResourceRequests, 1)
		if err != nil || !ok {
			t.Fatalf("community quota rejected: ok=%v err=%v", ok, err)
		}
	}
	q.RecordUsage(context.Background(), "gguf-local", 42)

	if len(events) != 1 || events[0].Tokens != 42 {
		t.Errorf("expected one usage event with 42 tokens, got %+v", events)
	}
}

// TestMemoryQuotaCap verifies atomic check-and-increment against a cap
func TestMemoryQuotaCap(t *testing.T) {
	q := NewMemoryQuota(map[string]int64{ResourceRequests: 10}, nil)

	admitted := 0
	for i := 0; i < 15; i++ {
		ok, err := q.CheckAndIncrement(context.Background(), "tenant", ResourceRequests, 1)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			admitted++
		}
	}
	if admitted != 10 {
		t.Errorf("expected exactly 10 admissions, got %d", admitted)
	}
	if used := q.Used("tenant", ResourceRequests); used != 10 {
		t.Errorf("rejections must not modify state: used=%d", used)
	}
}

// TestMemoryQuotaConcurrent submits 11 concurrent requests against a cap of
// 10: exactly 10 succeed
func TestMemoryQuotaConcurrent(t *testing.T) {
	q := NewMemoryQuota(map[string]int64{ResourceRequests: 10}, nil)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 11; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := q.CheckAndIncrement(context.Background(), "tenant", ResourceRequests, 1)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 10 {
		t.Errorf("expected exactly 10 concurrent admissions, got %d", admitted.Load())
	}
}

// TestMemoryQuotaUnlimitedResource verifies that missing caps admit freely
func TestMemoryQuotaUnlimitedResource(t *testing.T) {
	q := NewMemoryQuota(map[string]int64{ResourceRequests: 1}, nil)

	ok, _ := q.CheckAndIncrement(context.Background(), "tenant", ResourceTokens, 1_000_000)
	if !ok {
		t.Error("uncapped resource should admit any amount")
	}
}

// TestMemoryQuotaKeyIsolation verifies per-tenant counters
func TestMemoryQuotaKeyIsolation(t *testing.T) {
	q := NewMemoryQuota(map[string]int64{ResourceRequests: 1}, nil)

	if ok, _ := q.CheckAndIncrement(context.Background(), "a", ResourceRequests, 1); !ok {
		t.Fatal("tenant a first request should admit")
	}
	if ok, _ := q.CheckAndIncrement(context.Background(), "a", ResourceRequests, 1); ok {
		t.Error("tenant a second request should reject")
	}
	if ok, _ := q.CheckAndIncrement(context.Background(), "b", ResourceRequests, 1); !ok {
		t.Error("tenant b must have its own counter")
	}
}

// TestMemoryQuotaUsage verifies usage accumulation per provider
func TestMemoryQuotaUsage(t *testing.T) {
	q := NewMemoryQuota(nil, nil)
	q.RecordUsage(context.Background(), "gguf-local", 10)
	q.RecordUsage(context.Background(), "gguf-local", 5)
	q.RecordUsage(context.Background(), "litert", 3)

	if got := q.Usage("gguf-local"); got != 15 {
		t.Errorf("expected 15 tokens for gguf-local, got %d", got)
	}
	if got := q.Usage("litert"); got != 3 {
		t.Errorf("expected 3 tokens for litert, got %d", got)
	}
}
