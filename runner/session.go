package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bhangun/gollek/core"
)

// Session is a live binding of a loaded model to a tenant: one Runner plus
// its native handles, a last-used stamp and an in-flight counter. The
// session owns its native resources exclusively; the manager releases them
// only when the session is idle.
type Session struct {
	Key      string
	TenantID string
	ModelID  string
	Runner   *Runner

	lastUsed time.Time
	inFlight int
}

// SessionManagerConfig configures the pool
type SessionManagerConfig struct {
	MaxSessions int
	SessionTTL  time.Duration
	SweepEvery  time.Duration
	Runner      core.RunnerConfig
	Logger      core.Logger
}

// SessionManager pools runners keyed by (tenantID, modelID) with LRU
// eviction and a background idle sweep
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	loader   BackendLoader
	config   SessionManagerConfig
	logger   core.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionManager creates a pool that loads backends on demand
func NewSessionManager(loader BackendLoader, config SessionManagerConfig) *SessionManager {
	if config.MaxSessions < 1 {
		config.MaxSessions = 4
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 10 * time.Minute
	}
	if config.SweepEvery <= 0 {
		config.SweepEvery = time.Minute
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	sm := &SessionManager{
		sessions: make(map[string]*Session),
		loader:   loader,
		config:   config,
		logger:   config.Logger,
		stopCh:   make(chan struct{}),
	}
	go sm.sweepLoop()
	return sm
}

func sessionKey(tenantID, modelID string) string {
	return tenantID + "|" + modelID
}

// Acquire returns the session for (tenant, model), constructing it on first
// use. The in-flight counter is incremented; callers must pair every Acquire
// with a Release. When the pool is full and nothing is evictable the call
// fails with a retryable busy error.
func (sm *SessionManager) Acquire(ctx context.Context, manifest *core.ModelManifest) (*Session, error) {
	key := sessionKey(manifest.TenantID, manifest.ModelID)

	sm.mu.Lock()
	if s, ok := sm.sessions[key]; ok {
		s.lastUsed = time.Now()
		s.inFlight++
		sm.mu.Unlock()
		return s, nil
	}

	if len(sm.sessions) >= sm.config.MaxSessions {
		if !sm.evictLRULocked() {
			sm.mu.Unlock()
			return nil, core.Errorf("sessions.Acquire", core.KindTransient,
				"%w: %d sessions busy", core.ErrSessionBusy, sm.config.MaxSessions)
		}
	}
	sm.mu.Unlock()

	// Load outside the lock: model loading is slow
	backend, err := sm.loader(ctx, manifest, sm.config.Runner)
	if err != nil {
		return nil, core.NewError("sessions.Acquire", core.KindModelNotFound,
			fmt.Errorf("loading %s: %w", manifest.ModelID, err))
	}

	s := &Session{
		Key:      key,
		TenantID: manifest.TenantID,
		ModelID:  manifest.ModelID,
		Runner:   NewRunner(backend, sm.config.Runner, sm.logger),
		lastUsed: time.Now(),
		inFlight: 1,
	}

	sm.mu.Lock()
	if existing, ok := sm.sessions[key]; ok {
		// Lost a construction race; use the winner and drop ours
		existing.lastUsed = time.Now()
		existing.inFlight++
		sm.mu.Unlock()
		_ = s.Runner.Close()
		return existing, nil
	}
	sm.sessions[key] = s
	sm.mu.Unlock()

	sm.logger.Info("Session created", map[string]interface{}{
		"operation": "session_created",
		"tenant_id": manifest.TenantID,
		"model_id":  manifest.ModelID,
	})
	return s, nil
}

// Release returns a session after a request completes
func (sm *SessionManager) Release(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.lastUsed = time.Now()
}

// evictLRULocked removes the least-recently-used idle session. Returns
// false when every session has in-flight requests. Caller holds the lock.
func (sm *SessionManager) evictLRULocked() bool {
	var victim *Session
	for _, s := range sm.sessions {
		if s.inFlight > 0 {
			continue
		}
		if victim == nil || s.lastUsed.Before(victim.lastUsed) {
			victim = s
		}
	}
	if victim == nil {
		return false
	}
	delete(sm.sessions, victim.Key)
	_ = victim.Runner.Close()
	sm.logger.Info("Session evicted", map[string]interface{}{
		"operation": "session_evicted",
		"key":       victim.Key,
		"reason":    "capacity",
	})
	return true
}

// sweepLoop evicts sessions idle past the TTL
func (sm *SessionManager) sweepLoop() {
	ticker := time.NewTicker(sm.config.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stopCh:
			return
		case <-ticker.C:
			sm.sweep()
		}
	}
}

func (sm *SessionManager) sweep() {
	cutoff := time.Now().Add(-sm.config.SessionTTL)
	var victims []*Session

	sm.mu.Lock()
	for key, s := range sm.sessions {
		if s.inFlight == 0 && s.lastUsed.Before(cutoff) {
			delete(sm.sessions, key)
			victims = append(victims, s)
		}
	}
	sm.mu.Unlock()

	for _, s := range victims {
		_ = s.Runner.Close()
		sm.logger.Info("Session evicted", map[string]interface{}{
			"operation": "session_evicted",
			"key":       s.Key,
			"reason":    "idle_ttl",
		})
	}
}

// Len returns the live session count
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Close stops the sweeper and releases every idle session. Sessions with
// in-flight requests are left to their owners.
func (sm *SessionManager) Close() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })

	sm.mu.Lock()
	var victims []*Session
	for key, s := range sm.sessions {
		if s.inFlight == 0 {
			delete(sm.sessions, key)
			victims = append(victims, s)
		}
	}
	sm.mu.Unlock()

	for _, s := range victims {
		_ = s.Runner.Close()
	}
}
