package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bhangun/gollek/core"
)

// RedisRegistry stores manifests in Redis hashes so several engine
// instances share one catalog. Keys:
//
//	gollek:manifest:<tenant>:<model>          hash version -> manifest JSON
//	gollek:models:<tenant>                    set of model ids
type RedisRegistry struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisRegistry creates a Redis-backed manifest registry
func NewRedisRegistry(client *redis.Client, logger core.Logger) *RedisRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisRegistry{client: client, logger: logger}
}

func redisManifestKey(tenantID, modelID string) string {
	return fmt.Sprintf("gollek:manifest:%s:%s", tenantID, modelID)
}

func redisModelsKey(tenantID string) string {
	return fmt.Sprintf("gollek:models:%s", tenantID)
}

func (r *RedisRegistry) FindManifest(ctx context.Context, modelID, tenantID, version string) (*core.ModelManifest, error) {
	key := redisManifestKey(tenantID, modelID)

	if version == "" {
		version = core.VersionLatest
	}
	if version != core.VersionLatest {
		data, err := r.client.HGet(ctx, key, version).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("manifest lookup: %w", err)
		}
		return decodeManifest(data)
	}

	all, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("manifest scan: %w", err)
	}
	var latest *core.ModelManifest
	for _, raw := range all {
		m, err := decodeManifest([]byte(raw))
		if err != nil {
			r.logger.Warn("Skipping undecodable manifest", map[string]interface{}{
				"operation": "manifest_decode_failed",
				"tenant_id": tenantID,
				"model_id":  modelID,
			})
			continue
		}
		if latest == nil || m.UpdatedAt.After(latest.UpdatedAt) {
			latest = m
		}
	}
	return latest, nil
}

func (r *RedisRegistry) RegisterModel(ctx context.Context, req UploadRequest) (*core.ModelManifest, error) {
	if req.ModelID == "" {
		return nil, fmt.Errorf("model id is required")
	}
	if req.Version == "" || req.Version == core.VersionLatest {
		return nil, fmt.Errorf("version %q is reserved", core.VersionLatest)
	}
	if len(req.Artifacts) == 0 {
		return nil, fmt.Errorf("at least one artifact is required")
	}

	now := time.Now().UTC()
	m := &core.ModelManifest{
		ModelID:          req.ModelID,
		Version:          req.Version,
		TenantID:         req.TenantID,
		Artifacts:        req.Artifacts,
		SupportedDevices: req.SupportedDevices,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, redisManifestKey(req.TenantID, req.ModelID), req.Version, data)
	pipe.SAdd(ctx, redisModelsKey(req.TenantID), req.ModelID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("storing manifest: %w", err)
	}
	return m, nil
}

func (r *RedisRegistry) DeleteModel(ctx context.Context, modelID, tenantID, version string) error {
	key := redisManifestKey(tenantID, modelID)

	if version != "" {
		return r.client.HDel(ctx, key, version).Err()
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, redisModelsKey(tenantID), modelID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) ListByTenant(ctx context.Context, tenantID string, page Page) ([]*core.ModelManifest, error) {
	modelIDs, err := r.client.SMembers(ctx, redisModelsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	var all []*core.ModelManifest
	for _, modelID := range modelIDs {
		raw, err := r.client.HGetAll(ctx, redisManifestKey(tenantID, modelID)).Result()
		if err != nil {
			continue
		}
		for _, data := range raw {
			m, err := decodeManifest([]byte(data))
			if err != nil {
				continue
			}
			all = append(all, m)
		}
	}

	if page.Limit <= 0 {
		page.Limit = 100
	}
	if page.Offset >= len(all) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset:end], nil
}

func decodeManifest(data []byte) (*core.ModelManifest, error) {
	var m core.ModelManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

var _ Registry = (*RedisRegistry)(nil)
var _ Registry = (*MemoryRegistry)(nil)
