package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. Values are layered: built-in
// defaults, then the YAML file, then environment variables.
type Config struct {
	ServiceName string `yaml:"service_name"`

	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Limits    LimitsConfig    `yaml:"limits"`
	Retry     RetryConfig     `yaml:"retry"`
	Runner    RunnerConfig    `yaml:"runner"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Routing   RoutingConfig   `yaml:"routing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Output string `yaml:"output"` // stdout|stderr
}

// RedisConfig configures the optional Redis-backed stores
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LimitsConfig configures admission control
type LimitsConfig struct {
	RateBurst        int           `yaml:"rate_burst"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"-"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
	QuotaRequests    int64         `yaml:"quota_requests"` // 0 = unlimited (community mode)
	QuotaTokens      int64         `yaml:"quota_tokens"`   // 0 = unlimited
}

// UnmarshalYAML decodes durations from "60s"-style strings while leaving
// omitted keys at their prior values
func (l *LimitsConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		RateBurst        *int     `yaml:"rate_burst"`
		RatePerSecond    *float64 `yaml:"rate_per_second"`
		FailureThreshold *int     `yaml:"failure_threshold"`
		OpenDuration     string   `yaml:"open_duration"`
		HalfOpenProbes   *int     `yaml:"half_open_probes"`
		QuotaRequests    *int64   `yaml:"quota_requests"`
		QuotaTokens      *int64   `yaml:"quota_tokens"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	setInt(&l.RateBurst, aux.RateBurst)
	setInt(&l.FailureThreshold, aux.FailureThreshold)
	setInt(&l.HalfOpenProbes, aux.HalfOpenProbes)
	setInt64(&l.QuotaRequests, aux.QuotaRequests)
	setInt64(&l.QuotaTokens, aux.QuotaTokens)
	if aux.RatePerSecond != nil {
		l.RatePerSecond = *aux.RatePerSecond
	}
	return setDuration(&l.OpenDuration, aux.OpenDuration)
}

// RetryConfig configures the orchestrator retry loop
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"-"`
	MaxBackoff     time.Duration `yaml:"-"`
	SyncTimeout    time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes durations from "1s"-style strings
func (r *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		MaxAttempts    *int   `yaml:"max_attempts"`
		InitialBackoff string `yaml:"initial_backoff"`
		MaxBackoff     string `yaml:"max_backoff"`
		SyncTimeout    string `yaml:"sync_timeout"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	setInt(&r.MaxAttempts, aux.MaxAttempts)
	if err := setDuration(&r.InitialBackoff, aux.InitialBackoff); err != nil {
		return err
	}
	if err := setDuration(&r.MaxBackoff, aux.MaxBackoff); err != nil {
		return err
	}
	return setDuration(&r.SyncTimeout, aux.SyncTimeout)
}

// RunnerConfig configures the native runner
type RunnerConfig struct {
	BatchSize             int `yaml:"batch_size"`
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
}

// SessionConfig configures the session pool
type SessionConfig struct {
	MaxSessions int           `yaml:"max_sessions"`
	SessionTTL  time.Duration `yaml:"-"`
	SweepEvery  time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes durations from "10m"-style strings
func (s *SessionConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		MaxSessions *int   `yaml:"max_sessions"`
		SessionTTL  string `yaml:"session_ttl"`
		SweepEvery  string `yaml:"sweep_every"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	setInt(&s.MaxSessions, aux.MaxSessions)
	if err := setDuration(&s.SessionTTL, aux.SessionTTL); err != nil {
		return err
	}
	return setDuration(&s.SweepEvery, aux.SweepEvery)
}

// RoutingConfig configures the provider router
type RoutingConfig struct {
	HealthCacheDuration time.Duration `yaml:"-"`
	DecisionCacheSize   int           `yaml:"decision_cache_size"`
	EmulateStreaming    bool          `yaml:"emulate_streaming"`
}

// UnmarshalYAML decodes durations from "30s"-style strings
func (r *RoutingConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		HealthCacheDuration string `yaml:"health_cache_duration"`
		DecisionCacheSize   *int   `yaml:"decision_cache_size"`
		EmulateStreaming    *bool  `yaml:"emulate_streaming"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	setInt(&r.DecisionCacheSize, aux.DecisionCacheSize)
	if aux.EmulateStreaming != nil {
		r.EmulateStreaming = *aux.EmulateStreaming
	}
	return setDuration(&r.HealthCacheDuration, aux.HealthCacheDuration)
}

// setDuration parses a duration string, leaving the target untouched when
// the document omitted the key
func setDuration(target *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: bad duration %q: %v", ErrInvalidConfiguration, raw, err)
	}
	*target = d
	return nil
}

func setInt(target *int, v *int) {
	if v != nil {
		*target = *v
	}
}

func setInt64(target *int64, v *int64) {
	if v != nil {
		*target = *v
	}
}

// TelemetryConfig configures metrics emission
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "gollek",
		Logging:     LoggingConfig{Level: "info", Output: "stdout"},
		Redis:       RedisConfig{Address: "localhost:6379"},
		Limits: LimitsConfig{
			RateBurst:        10,
			RatePerSecond:    5,
			FailureThreshold: 5,
			OpenDuration:     60 * time.Second,
			HalfOpenProbes:   1,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     60 * time.Second,
			SyncTimeout:    5 * time.Minute,
		},
		Runner: RunnerConfig{
			BatchSize:             512,
			MaxConcurrentRequests: 1,
		},
		Sessions: SessionConfig{
			MaxSessions: 4,
			SessionTTL:  10 * time.Minute,
			SweepEvery:  time.Minute,
		},
		Routing: RoutingConfig{
			HealthCacheDuration: 30 * time.Second,
			DecisionCacheSize:   10000,
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// LoadConfig reads the YAML file at path (when non-empty) over the defaults
// and applies environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOLLEK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOLLEK_REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Address = v
	}
	if v := os.Getenv("GOLLEK_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sessions.MaxSessions = n
		}
	}
	if v := os.Getenv("GOLLEK_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.MaxConcurrentRequests = n
		}
	}
}

// Validate checks invariants the engine depends on
func (c *Config) Validate() error {
	if c.Limits.RateBurst < 1 {
		return fmt.Errorf("%w: limits.rate_burst must be >= 1", ErrInvalidConfiguration)
	}
	if c.Limits.FailureThreshold < 1 {
		return fmt.Errorf("%w: limits.failure_threshold must be >= 1", ErrInvalidConfiguration)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must be >= 0", ErrInvalidConfiguration)
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("%w: retry backoff window is inverted", ErrInvalidConfiguration)
	}
	if c.Runner.BatchSize < 1 {
		return fmt.Errorf("%w: runner.batch_size must be >= 1", ErrInvalidConfiguration)
	}
	if c.Runner.MaxConcurrentRequests < 1 {
		return fmt.Errorf("%w: runner.max_concurrent_requests must be >= 1", ErrInvalidConfiguration)
	}
	if c.Sessions.MaxSessions < 1 {
		return fmt.Errorf("%w: sessions.max_sessions must be >= 1", ErrInvalidConfiguration)
	}
	return nil
}
