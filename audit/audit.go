// Package audit is the append-only audit trail contract. The engine records
// one entry per terminal request state; sinks decide durability.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/bhangun/gollek/core"
)

// Entry is one audit record
type Entry struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	TenantID   string    `json:"tenantId"`
	Model      string    `json:"model"`
	ProviderID string    `json:"providerId,omitempty"`
	Status     string    `json:"status"` // completed | failed
	ErrorCode  string    `json:"errorCode,omitempty"`
	TokensUsed int       `json:"tokensUsed"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEntry stamps an entry with an id and timestamp
func NewEntry(requestID, tenantID, model string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		TenantID:  tenantID,
		Model:     model,
		Timestamp: time.Now().UTC(),
	}
}

// Sink accepts audit entries. Append-only: entries are never updated or
// deleted through this interface.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// NoopSink discards entries; the standalone default
type NoopSink struct{}

func (NoopSink) Record(ctx context.Context, entry Entry) error { return nil }

// LogSink writes entries through the structured logger
type LogSink struct {
	Logger core.Logger
}

func (s LogSink) Record(ctx context.Context, entry Entry) error {
	s.Logger.Info("Audit entry", map[string]interface{}{
		"operation":   "audit_record",
		"audit_id":    entry.ID,
		"request_id":  entry.RequestID,
		"tenant_id":   entry.TenantID,
		"model":       entry.Model,
		"provider":    entry.ProviderID,
		"status":      entry.Status,
		"error_code":  entry.ErrorCode,
		"tokens_used": entry.TokensUsed,
		"duration_ms": entry.DurationMs,
	})
	return nil
}

// RedisSink appends entries to a per-tenant Redis list
type RedisSink struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisSink creates a Redis-backed audit sink
func NewRedisSink(client *redis.Client, logger core.Logger) *RedisSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisSink{client: client, logger: logger}
}

func (s *RedisSink) Record(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	key := fmt.Sprintf("gollek:audit:%s", entry.TenantID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

var (
	_ Sink = NoopSink{}
	_ Sink = LogSink{}
	_ Sink = (*RedisSink)(nil)
)
