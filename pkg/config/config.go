// Package config loads the authorization service configuration: defaults,
// then an optional YAML file, then SARK_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apathy-ca/sark-sub005/pkg/audit"
	"github.com/apathy-ca/sark-sub005/pkg/auth"
	"github.com/apathy-ca/sark-sub005/pkg/breaker"
	"github.com/apathy-ca/sark-sub005/pkg/cache"
	"github.com/apathy-ca/sark-sub005/pkg/decision"
	"github.com/apathy-ca/sark-sub005/pkg/filter"
	"github.com/apathy-ca/sark-sub005/pkg/hardening"
	"github.com/apathy-ca/sark-sub005/pkg/policyeval"
	"github.com/apathy-ca/sark-sub005/pkg/statebus"
	"github.com/apathy-ca/sark-sub005/pkg/store"
	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"

	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkKafka    = "kafka"
	SinkHub      = "hub"
)

type Config struct {
	Environment     string        `yaml:"environment"`
	ListenAddr      string        `yaml:"listen_addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxRequestBodyBytes caps API request bodies; 0 disables the cap.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes"`
	// StreamAllowedOrigins are websocket origin patterns beyond same-origin.
	StreamAllowedOrigins []string `yaml:"stream_allowed_origins"`

	MaxCacheEntries  int                      `yaml:"max_cache_entries"`
	CacheShards      int                      `yaml:"cache_shards"`
	TTLBySensitivity map[string]time.Duration `yaml:"ttl_by_sensitivity"`
	JanitorInterval  time.Duration            `yaml:"janitor_interval"`
	KeyContextFields []string                 `yaml:"key_context_fields"`
	SingleFlight     bool                     `yaml:"single_flight"`

	// RateLimitPerIdentifier is tokens per second; 0 disables limiting.
	RateLimitPerIdentifier float64       `yaml:"rate_limit_per_identifier"`
	RateLimitBurst         int           `yaml:"rate_limit_burst"`
	RateLimitIdleTimeout   time.Duration `yaml:"rate_limit_idle_timeout"`
	RateLimitBackend       string        `yaml:"rate_limit_backend"`

	CircuitBreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerRecoveryTimeout  time.Duration `yaml:"circuit_breaker_recovery_timeout"`

	EvaluatorTimeout time.Duration     `yaml:"evaluator_timeout"`
	BatchConcurrency int               `yaml:"batch_concurrency"`
	Policy           policyeval.Config `yaml:"policy"`

	SensitiveFieldPatterns []string            `yaml:"sensitive_field_patterns"`
	ExtraFieldPatterns     map[string][]string `yaml:"extra_field_patterns"`

	Auth          auth.Config          `yaml:"auth"`
	Audit         AuditConfig          `yaml:"audit"`
	Redis         store.RedisConfig    `yaml:"redis"`
	Postgres      store.PostgresConfig `yaml:"postgres"`
	PolicyControl statebus.KafkaConfig `yaml:"policy_control"`
	Telemetry     telemetry.Config     `yaml:"telemetry"`

	Resources []ResourceConfig `yaml:"resources"`
}

type AuditConfig struct {
	Sinks         []string          `yaml:"sinks"`
	QueueSize     int               `yaml:"queue_size"`
	Workers       int               `yaml:"workers"`
	RetryCapacity int               `yaml:"retry_capacity"`
	MaxAttempts   int               `yaml:"max_attempts"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	WriteTimeout  time.Duration     `yaml:"write_timeout"`
	Redact        bool              `yaml:"redact"`
	HashSalt      string            `yaml:"hash_salt"`
	Kafka         audit.KafkaConfig `yaml:"kafka"`
}

type ResourceConfig struct {
	ID          string `yaml:"id"`
	OwnerTeam   string `yaml:"owner_team"`
	Sensitivity string `yaml:"sensitivity"`
}

func Default() Config {
	ttl := map[string]time.Duration{}
	for s, d := range decision.DefaultTTLTable() {
		ttl[s.String()] = d
	}
	return Config{
		Environment:     "development",
		ListenAddr:      ":8080",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,

		MaxRequestBodyBytes: 1 << 20,

		MaxCacheEntries:  cache.DefaultMaxEntries,
		CacheShards:      cache.DefaultShards,
		TTLBySensitivity: ttl,
		JanitorInterval:  time.Minute,

		RateLimitPerIdentifier: 10,
		RateLimitBurst:         20,
		RateLimitIdleTimeout:   10 * time.Minute,
		RateLimitBackend:       RateLimitMemory,

		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerRecoveryTimeout:  30 * time.Second,

		EvaluatorTimeout: time.Second,
		BatchConcurrency: 8,
		Policy:           policyeval.Config{Backend: "cel"},

		Audit: AuditConfig{
			Sinks:         []string{SinkLog, SinkHub},
			QueueSize:     audit.DefaultQueueSize,
			Workers:       audit.DefaultWorkers,
			RetryCapacity: audit.DefaultRetryCapacity,
			MaxAttempts:   audit.DefaultMaxAttempts,
			FlushInterval: audit.DefaultFlushInterval,
			WriteTimeout:  audit.DefaultWriteTimeout,
		},
		Auth:          auth.Config{Mode: auth.ModeOff, Timeout: 5 * time.Second, JWKSRefresh: auth.DefaultJWKSRefresh},
		Postgres:      store.PostgresConfig{ConnectRetries: 30},
		PolicyControl: statebus.KafkaConfig{GroupID: "sark-authzd"},
		Telemetry:     telemetry.Config{ServiceName: telemetry.DefaultServiceName},
	}
}

// Load reads a YAML file over Default. Unknown keys are rejected so a typo
// cannot silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Validate reports every problem found, each wrapping ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if strings.TrimSpace(c.ListenAddr) == "" {
		bad("listen_addr is required")
	}
	if _, err := c.Level(); err != nil {
		bad("log_level: %v", err)
	}
	if c.MaxRequestBodyBytes < 0 {
		bad("max_request_body_bytes must not be negative")
	}
	if c.MaxCacheEntries <= 0 {
		bad("max_cache_entries must be positive, got %d", c.MaxCacheEntries)
	}
	if c.CacheShards <= 0 {
		bad("cache_shards must be positive, got %d", c.CacheShards)
	}
	if _, err := c.TTLTable(); err != nil {
		bad("ttl_by_sensitivity: %v", err)
	}
	if c.JanitorInterval <= 0 {
		bad("janitor_interval must be positive")
	}
	if c.RateLimitPerIdentifier < 0 {
		bad("rate_limit_per_identifier must not be negative")
	}
	if c.RateLimitPerIdentifier > 0 && c.RateLimitBurst <= 0 {
		bad("rate_limit_burst must be positive when rate limiting is enabled")
	}
	switch c.RateLimitBackend {
	case RateLimitMemory:
	case RateLimitRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			bad("rate_limit_backend redis requires redis.addr")
		}
	default:
		bad("rate_limit_backend must be %q or %q, got %q", RateLimitMemory, RateLimitRedis, c.RateLimitBackend)
	}
	if c.CircuitBreakerFailureThreshold <= 0 {
		bad("circuit_breaker_failure_threshold must be positive")
	}
	if c.CircuitBreakerRecoveryTimeout <= 0 {
		bad("circuit_breaker_recovery_timeout must be positive")
	}
	if c.EvaluatorTimeout <= 0 {
		bad("evaluator_timeout must be positive")
	}
	if c.BatchConcurrency < 0 {
		bad("batch_concurrency must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Policy.Backend)) {
	case "", "cel":
	case "opa":
		if strings.TrimSpace(c.Policy.OPA.URL) == "" {
			bad("policy.backend opa requires policy.opa.url")
		}
		if c.Policy.OPA.Retries < 0 {
			bad("policy.opa.retries must not be negative")
		}
	default:
		bad("policy.backend must be cel or opa, got %q", c.Policy.Backend)
	}
	if _, err := c.FilterExtra(); err != nil {
		bad("extra_field_patterns: %v", err)
	}
	if _, err := c.ResourceList(); err != nil {
		bad("resources: %v", err)
	}
	for _, s := range c.Audit.Sinks {
		switch s {
		case SinkLog, SinkHub:
		case SinkPostgres:
			if strings.TrimSpace(c.Postgres.URL) == "" {
				bad("audit sink postgres requires postgres.url")
			}
		case SinkKafka:
			if len(c.Audit.Kafka.Brokers) == 0 || strings.TrimSpace(c.Audit.Kafka.Topic) == "" {
				bad("audit sink kafka requires audit.kafka.brokers and audit.kafka.topic")
			}
		default:
			bad("unknown audit sink %q", s)
		}
	}
	if err := c.Auth.Validate(); err != nil {
		bad("%v", err)
	}
	if c.Audit.Redact && strings.TrimSpace(c.Audit.HashSalt) == "" {
		bad("audit.redact requires audit.hash_salt")
	}
	if c.Audit.QueueSize < 0 || c.Audit.Workers < 0 || c.Audit.RetryCapacity < 0 || c.Audit.MaxAttempts < 0 {
		bad("audit sizes must not be negative")
	}
	if len(c.PolicyControl.Brokers) > 0 {
		if err := c.PolicyControl.Validate(); err != nil {
			bad("policy_control: %v", err)
		}
	}
	return errors.Join(errs...)
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel)))
	return l, err
}

// TTLTable converts ttl_by_sensitivity. Levels left out are not cached.
func (c Config) TTLTable() (decision.TTLTable, error) {
	t := decision.TTLTable{}
	for name, d := range c.TTLBySensitivity {
		s, err := decision.ParseSensitivity(name)
		if err != nil {
			return nil, err
		}
		t[s] = d
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FilterExtra returns nil when no extra patterns are configured so the
// filter keeps its defaults.
func (c Config) FilterExtra() (map[decision.Sensitivity][]string, error) {
	if c.ExtraFieldPatterns == nil {
		return nil, nil
	}
	out := make(map[decision.Sensitivity][]string, len(c.ExtraFieldPatterns))
	for name, ps := range c.ExtraFieldPatterns {
		s, err := decision.ParseSensitivity(name)
		if err != nil {
			return nil, err
		}
		out[s] = append(out[s], ps...)
	}
	return out, nil
}

func (c Config) Filter() *filter.Filter {
	extra, err := c.FilterExtra()
	if err != nil {
		extra = nil
	}
	return filter.New(c.SensitiveFieldPatterns, extra)
}

func (c Config) ResourceList() ([]decision.Resource, error) {
	seen := map[string]struct{}{}
	out := make([]decision.Resource, 0, len(c.Resources))
	for i, r := range c.Resources {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("entry %d has no id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate resource %q", id)
		}
		seen[id] = struct{}{}
		s, err := decision.ParseSensitivity(r.Sensitivity)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", id, err)
		}
		out = append(out, decision.Resource{ID: id, OwnerTeam: strings.TrimSpace(r.OwnerTeam), Sensitivity: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c Config) Breaker(name string) breaker.Config {
	return breaker.Config{
		Name:             name,
		FailureThreshold: c.CircuitBreakerFailureThreshold,
		RecoveryTimeout:  c.CircuitBreakerRecoveryTimeout,
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) Hardening(service string) hardening.Options {
	o := hardening.Options{
		Service:            service,
		Environment:        c.Environment,
		RedisTLSEnabled:    c.Redis.TLS.Enabled,
		RedisRequireTLS:    c.Redis.RequireTLS,
		RedisTLSInsecure:   c.Redis.TLS.Insecure,
		DatabaseRequireTLS: c.Postgres.RequireTLS,
		PolicyBackend:      c.Policy.Backend,
		OPAURL:             c.Policy.OPA.URL,
	}
	if c.RateLimitBackend == RateLimitRedis {
		o.RedisAddr = c.Redis.Addr
	}
	if c.HasSink(SinkPostgres) {
		o.DatabaseURL = c.Postgres.URL
	}
	if strings.EqualFold(strings.TrimSpace(c.Auth.Mode), auth.ModeRS256) {
		o.JWKSURL = c.Auth.JWKSURL
	}
	if c.Audit.Redact {
		o.RequiredSecrets = append(o.RequiredSecrets, hardening.Requirement{Name: "audit.hash_salt", Value: c.Audit.HashSalt})
	}
	return o
}
