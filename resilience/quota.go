package resilience

import (
	"context"
	"sync"

	"github.com/bhangun/gollek/core"
)

// Resource names tracked by quota accounting
const (
	ResourceRequests = "requests"
	ResourceTokens   = "tokens"
)

// UsageEvent is emitted for every recorded usage, regardless of whether
// quota enforcement is active
type UsageEvent struct {
	ProviderID string
	Tokens     int64
}

// UsageListener receives usage events. Implementations must be non-blocking.
type UsageListener func(UsageEvent)

// QuotaStore is the per-tenant resource accounting contract. CheckAndIncrement
// is atomic: it either applies the full amount and returns true, or leaves
// state untouched and returns false.
type QuotaStore interface {
	CheckAndIncrement(ctx context.Context, key, resource string, amount int64) (bool, error)
	RecordUsage(ctx context.Context, providerID string, tokens int64)
}

// CommunityQuota is the standalone deployment default: every check passes,
// usage events still flow to listeners.
type CommunityQuota struct {
	mu        sync.RWMutex
	listeners []UsageListener
}

// NewCommunityQuota creates an always-admit quota store
func NewCommunityQuota() *CommunityQuota {
	return &CommunityQuota{}
}

// AddListener registers a usage listener
func (q *CommunityQuota) AddListener(l UsageListener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// CheckAndIncrement always admits
func (q *CommunityQuota) CheckAndIncrement(ctx context.Context, key, resource string, amount int64) (bool, error) {
	return true, nil
}

// RecordUsage fans the event out to listeners
func (q *CommunityQuota) RecordUsage(ctx context.Context, providerID string, tokens int64) {
	q.mu.RLock()
	listeners := q.listeners
	q.mu.RUnlock()
	for _, l := range listeners {
		l(UsageEvent{ProviderID: providerID, Tokens: tokens})
	}
}

// MemoryQuota enforces fixed per-key caps in process memory
type MemoryQuota struct {
	mu        sync.Mutex
	caps      map[string]int64 // resource -> cap, 0 = unlimited
	counters  map[string]int64 // key+resource -> used
	usage     map[string]int64 // providerID -> tokens
	listeners []UsageListener
	logger    core.Logger
}

// NewMemoryQuota creates an in-memory quota store. Caps map resource names
// to limits; a missing or zero cap means unlimited.
func NewMemoryQuota(caps map[string]int64, logger core.Logger) *MemoryQuota {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if caps == nil {
		caps = make(map[string]int64)
	}
	return &MemoryQuota{
		caps:     caps,
		counters: make(map[string]int64),
		usage:    make(map[string]int64),
		logger:   logger,
	}
}

// AddListener registers a usage listener
func (q *MemoryQuota) AddListener(l UsageListener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// CheckAndIncrement atomically admits amount against the key's cap
func (q *MemoryQuota) CheckAndIncrement(ctx context.Context, key, resource string, amount int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.caps[resource]
	if limit <= 0 {
		return true, nil
	}

	counterKey := key + "/" + resource
	used := q.counters[counterKey]
	if used+amount > limit {
		q.logger.Info("Quota rejection", map[string]interface{}{
			"operation": "quota_reject",
			"key":       key,
			"resource":  resource,
			"used":      used,
			"requested": amount,
			"cap":       limit,
		})
		return false, nil
	}
	q.counters[counterKey] = used + amount
	return true, nil
}

// RecordUsage accumulates provider usage and notifies listeners
func (q *MemoryQuota) RecordUsage(ctx context.Context, providerID string, tokens int64) {
	q.mu.Lock()
	q.usage[providerID] += tokens
	listeners := q.listeners
	q.mu.Unlock()

	for _, l := range listeners {
		l(UsageEvent{ProviderID: providerID, Tokens: tokens})
	}
}

// Usage returns the tokens recorded for a provider
func (q *MemoryQuota) Usage(providerID string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usage[providerID]
}

// Used returns the counter for a key and resource
func (q *MemoryQuota) Used(key, resource string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters[key+"/"+resource]
}
