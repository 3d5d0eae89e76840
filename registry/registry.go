// Package registry is the model manifest store contract plus the in-memory
// and Redis-backed implementations the engine ships with. Persistent
// catalogs (databases, object stores) implement the same interface outside
// the engine.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bhangun/gollek/core"
)

// Page bounds a listing
type Page struct {
	Offset int
	Limit  int
}

// UploadRequest describes a model registration
type UploadRequest struct {
	ModelID          string
	Version          string
	TenantID         string
	Artifacts        map[core.ModelFormat]string
	SupportedDevices []core.Device
	Metadata         map[string]string
}

// Registry is the manifest catalog contract
type Registry interface {
	// FindManifest resolves a model for a tenant. Version "latest" (or
	// empty) resolves to the most recently updated version. A nil result
	// with nil error means not found.
	FindManifest(ctx context.Context, modelID, tenantID, version string) (*core.ModelManifest, error)

	// RegisterModel stores a new manifest
	RegisterModel(ctx context.Context, req UploadRequest) (*core.ModelManifest, error)

	// DeleteModel removes one version, or all versions when version is empty
	DeleteModel(ctx context.Context, modelID, tenantID, version string) error

	// ListByTenant pages through a tenant's manifests
	ListByTenant(ctx context.Context, tenantID string, page Page) ([]*core.ModelManifest, error)
}

// MemoryRegistry is the in-process implementation
type MemoryRegistry struct {
	mu        sync.RWMutex
	manifests map[string]*core.ModelManifest // tenant|model|version
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{manifests: make(map[string]*core.ModelManifest)}
}

func manifestKey(tenantID, modelID, version string) string {
	return tenantID + "|" + modelID + "|" + version
}

func (r *MemoryRegistry) FindManifest(ctx context.Context, modelID, tenantID, version string) (*core.ModelManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == "" {
		version = core.VersionLatest
	}
	if version != core.VersionLatest {
		m, ok := r.manifests[manifestKey(tenantID, modelID, version)]
		if !ok {
			return nil, nil
		}
		return cloneManifest(m), nil
	}

	var latest *core.ModelManifest
	for _, m := range r.manifests {
		if m.TenantID != tenantID || m.ModelID != modelID {
			continue
		}
		if latest == nil || m.UpdatedAt.After(latest.UpdatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneManifest(latest), nil
}

func (r *MemoryRegistry) RegisterModel(ctx context.Context, req UploadRequest) (*core.ModelManifest, error) {
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

	r.mu.Lock()
	r.manifests[manifestKey(req.TenantID, req.ModelID, req.Version)] = m
	r.mu.Unlock()
	return cloneManifest(m), nil
}

func (r *MemoryRegistry) DeleteModel(ctx context.Context, modelID, tenantID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version != "" {
		delete(r.manifests, manifestKey(tenantID, modelID, version))
		return nil
	}
	for key, m := range r.manifests {
		if m.TenantID == tenantID && m.ModelID == modelID {
			delete(r.manifests, key)
		}
	}
	return nil
}

func (r *MemoryRegistry) ListByTenant(ctx context.Context, tenantID string, page Page) ([]*core.ModelManifest, error) {
	r.mu.RLock()
	var all []*core.ModelManifest
	for _, m := range r.manifests {
		if m.TenantID == tenantID {
			all = append(all, cloneManifest(m))
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ModelID != all[j].ModelID {
			return all[i].ModelID < all[j].ModelID
		}
		return all[i].Version < all[j].Version
	})

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

func cloneManifest(m *core.ModelManifest) *core.ModelManifest {
	out := *m
	if m.Artifacts != nil {
		out.Artifacts = make(map[core.ModelFormat]string, len(m.Artifacts))
		for k, v := range m.Artifacts {
			out.Artifacts[k] = v
		}
	}
	out.SupportedDevices = append([]core.Device(nil), m.SupportedDevices...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
