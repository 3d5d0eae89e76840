package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/bhangun/gollek/core"
)

// RedisQuotaStore enforces quota caps across engine instances sharing one
// Redis. The check-and-increment uses INCRBY followed by a compensating
// DECRBY on overflow; concurrent racers may each be rejected but the counter
// never exceeds the cap from an admitted request's perspective.
type RedisQuotaStore struct {
	client    *redis.Client
	caps      map[string]int64
	keyPrefix string
	logger    core.Logger

	mu        sync.RWMutex
	listeners []UsageListener
}

// NewRedisQuotaStore creates a Redis-backed quota store
func NewRedisQuotaStore(client *redis.Client, caps map[string]int64, logger core.Logger) *RedisQuotaStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if caps == nil {
		caps = make(map[string]int64)
	}
	return &RedisQuotaStore{
		client:    client,
		caps:      caps,
		keyPrefix: "gollek:quota",
		logger:    logger,
	}
}

// AddListener registers a usage listener
func (q *RedisQuotaStore) AddListener(l UsageListener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// CheckAndIncrement atomically admits amount against the key's cap
func (q *RedisQuotaStore) CheckAndIncrement(ctx context.Context, key, resource string, amount int64) (bool, error) {
	limit := q.caps[resource]
	if limit <= 0 {
		return true, nil
	}

	counterKey := fmt.Sprintf("%s:%s:%s", q.keyPrefix, key, resource)
	used, err := q.client.IncrBy(ctx, counterKey, amount).Result()
	if err != nil {
		return false, fmt.Errorf("quota increment: %w", err)
	}
	if used > limit {
		// Undo the reservation; the request is rejected
		if err := q.client.DecrBy(ctx, counterKey, amount).Err(); err != nil {
			q.logger.Error("Quota rollback failed", map[string]interface{}{
				"operation": "quota_rollback_failed",
				"key":       counterKey,
				"amount":    amount,
				"error":     err.Error(),
			})
		}
		q.logger.Info("Quota rejection", map[string]interface{}{
			"operation": "quota_reject",
			"key":       key,
			"resource":  resource,
			"used":      used - amount,
			"requested": amount,
			"cap":       limit,
		})
		return false, nil
	}
	return true, nil
}

// RecordUsage accumulates provider usage in Redis and notifies listeners
func (q *RedisQuotaStore) RecordUsage(ctx context.Context, providerID string, tokens int64) {
	usageKey := fmt.Sprintf("%s:usage:%s", q.keyPrefix, providerID)
	if err := q.client.IncrBy(ctx, usageKey, tokens).Err(); err != nil {
		q.logger.Warn("Usage record failed", map[string]interface{}{
			"operation": "usage_record_failed",
			"provider":  providerID,
			"tokens":    tokens,
			"error":     err.Error(),
		})
	}

	q.mu.RLock()
	listeners := q.listeners
	q.mu.RUnlock()
	for _, l := range listeners {
		l(UsageEvent{ProviderID: providerID, Tokens: tokens})
	}
}
