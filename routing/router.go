package routing

import (
	"container/list"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bhangun/gollek/core"
)

// Scoring constants. Integer arithmetic only; no division anywhere in the
// scoring path so decisions stay exactly reproducible.
const (
	scorePinned          = 10000
	scoreBase            = 50
	scoreStreamingMatch  = 20
	scoreStreamingMiss   = -15
	scoreCostCPU         = 10
	scoreDeviceHint      = 30
	scorePreferredBoost  = 1000
	scorePreferredMiss   = -100
	scoreGGUFFallback    = 40
	maxFallbackProviders = 2
)

// Router scores compatible providers for a manifest and produces a routing
// decision with fallbacks. The last decision per request id is cached for
// diagnostics and to drive fallback-on-failure.
type Router struct {
	registry *ProviderRegistry
	logger   core.Logger

	cache *decisionCache
}

// NewRouter creates a router over the given provider registry.
// cacheSize bounds the decision cache; zero uses the 10000 default.
func NewRouter(registry *ProviderRegistry, cacheSize int, logger core.Logger) *Router {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Router{
		registry: registry,
		logger:   logger,
		cache:    newDecisionCache(cacheSize),
	}
}

// Select picks the best provider for the manifest and context
func (r *Router) Select(manifest *core.ModelManifest, rctx RoutingContext) (*Decision, error) {
	providers := r.registry.List()

	// Explicit pin overrides every other factor
	var pinned Provider
	if rctx.PreferredProvider != "" {
		if p, ok := r.registry.Get(rctx.PreferredProvider); ok {
			pinned = p
		}
	}

	type scoredProvider struct {
		provider Provider
		score    int
	}
	var survivors []scoredProvider

	for _, p := range providers {
		if pinned != nil && p.ID() == pinned.ID() {
			continue
		}
		if !formatCompatible(p, manifest) {
			continue
		}
		if !p.Supports(manifest.ModelID, rctx.Request) {
			continue
		}
		survivors = append(survivors, scoredProvider{provider: p, score: r.score(p, rctx)})
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		return survivors[i].provider.ID() < survivors[j].provider.ID()
	})

	var decision *Decision
	switch {
	case pinned != nil:
		decision = &Decision{
			ProviderID: pinned.ID(),
			Provider:   pinned,
			Score:      scorePinned,
			Manifest:   manifest,
			Context:    rctx,
		}
		for _, s := range survivors {
			if len(decision.FallbackProviders) == maxFallbackProviders {
				break
			}
			decision.FallbackProviders = append(decision.FallbackProviders, s.provider.ID())
		}

	case len(survivors) > 0:
		decision = &Decision{
			ProviderID: survivors[0].provider.ID(),
			Provider:   survivors[0].provider,
			Score:      survivors[0].score,
			Manifest:   manifest,
			Context:    rctx,
		}
		for _, s := range survivors[1:] {
			if len(decision.FallbackProviders) == maxFallbackProviders {
				break
			}
			decision.FallbackProviders = append(decision.FallbackProviders, s.provider.ID())
		}

	default:
		// Last resort: any GGUF-family provider can usually cope
		for _, p := range providers {
			id := strings.ToLower(p.ID())
			if strings.Contains(id, "gguf") || strings.Contains(id, "llama") {
				decision = &Decision{
					ProviderID: p.ID(),
					Provider:   p,
					Score:      scoreGGUFFallback,
					Manifest:   manifest,
					Context:    rctx,
				}
				break
			}
		}
	}

	if decision == nil {
		r.logger.Warn("No compatible provider", map[string]interface{}{
			"operation": "routing_no_provider",
			"model_id":  manifest.ModelID,
			"tenant_id": rctx.TenantID,
			"providers": len(providers),
		})
		return nil, core.Errorf("router.Select", core.KindNoCompatibleProvider,
			"%w for model %s", core.ErrNoCompatibleProvider, manifest.ModelID)
	}

	if rctx.Request != nil && rctx.Request.RequestID != "" {
		r.cache.put(rctx.Request.RequestID, decision)
	}

	r.logger.Debug("Routing decision", map[string]interface{}{
		"operation": "routing_decision",
		"model_id":  manifest.ModelID,
		"provider":  decision.ProviderID,
		"score":     decision.Score,
		"fallbacks": decision.FallbackProviders,
	})
	return decision, nil
}

// score computes the additive multi-factor score for one survivor
func (r *Router) score(p Provider, rctx RoutingContext) int {
	score := scoreBase
	caps := p.Capabilities()

	wantStream := rctx.Request != nil && rctx.Request.Streaming
	if wantStream && caps.Streaming {
		score += scoreStreamingMatch
	} else if wantStream && !caps.Streaming {
		score += scoreStreamingMiss
	}

	if rctx.CostSensitive && supportsDevice(caps.SupportedDevices, core.DeviceCPU) {
		score += scoreCostCPU
	}

	if rctx.DeviceHint != "" && supportsDevice(caps.SupportedDevices, rctx.DeviceHint) {
		score += scoreDeviceHint
	}

	if rctx.PreferredProvider != "" {
		if p.ID() == rctx.PreferredProvider {
			score += scorePreferredBoost
		} else {
			score += scorePreferredMiss
		}
	}
	return score
}

// formatCompatible keeps providers whose supported formats intersect the
// manifest's artifact set. An empty supported set means generic and passes.
func formatCompatible(p Provider, manifest *core.ModelManifest) bool {
	formats := p.Capabilities().SupportedFormats
	if len(formats) == 0 {
		return true
	}
	for _, f := range formats {
		if manifest.HasFormat(f) {
			return true
		}
	}
	return false
}

func supportsDevice(devices []core.Device, device core.Device) bool {
	for _, d := range devices {
		if d == device {
			return true
		}
	}
	return false
}

// LastDecision returns the cached decision for a request id
func (r *Router) LastDecision(requestID string) (*Decision, bool) {
	return r.cache.get(requestID)
}

// DirectPathManifest synthesizes a manifest from parameters.model_path when
// the registry had nothing for the model. Only an existing regular file
// qualifies; format defaults to GGUF.
func DirectPathManifest(req *core.InferenceRequest, tenantID string) (*core.ModelManifest, bool) {
	path := core.ModelPathOverride(req.Parameters)
	if path == "" {
		return nil, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	now := time.Now().UTC()
	return &core.ModelManifest{
		ModelID:   req.Model,
		Version:   core.VersionLatest,
		TenantID:  tenantID,
		Artifacts: map[core.ModelFormat]string{core.FormatGGUF: path},
		SupportedDevices: []core.Device{core.DeviceCPU},
		CreatedAt: now,
		UpdatedAt: now,
	}, true
}

// decisionCache is a bounded LRU of the last decision per request id
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recent
	entries  map[string]*list.Element // requestID -> element
}

type cacheEntry struct {
	requestID string
	decision  *Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *decisionCache) put(requestID string, d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[requestID]; ok {
		elem.Value.(*cacheEntry).decision = d
		c.order.MoveToFront(elem)
		return
	}
	c.entries[requestID] = c.order.PushFront(&cacheEntry{requestID: requestID, decision: d})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).requestID)
	}
}

func (c *decisionCache) get(requestID string) (*Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[requestID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).decision, true
}
