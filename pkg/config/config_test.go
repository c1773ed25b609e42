package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sark.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	table, err := cfg.TTLTable()
	if err != nil {
		t.Fatalf("ttl table: %v", err)
	}
	if !reflect.DeepEqual(table, decision.DefaultTTLTable()) {
		t.Fatalf("default ttl table = %v", table)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelInfo {
		t.Fatalf("default level = %v", lvl)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
environment: staging
listen_addr: ":9090"
log_level: debug
max_cache_entries: 500
cache_shards: 4
ttl_by_sensitivity:
  public: 2h
  low: 10m
  medium: 1m
  confidential: 30s
  critical: 0s
janitor_interval: 15s
key_context_fields: [client_ip, tenant]
single_flight: true
rate_limit_per_identifier: 2.5
rate_limit_burst: 5
circuit_breaker_failure_threshold: 3
circuit_breaker_recovery_timeout: 45s
evaluator_timeout: 250ms
policy:
  backend: opa
  opa:
    url: https://opa.internal:8181
    policy_path: /v1/data/sark/allow
auth:
  mode: rs256
  jwks_url: https://idp.internal/.well-known/jwks.json
  audience: sark
audit:
  sinks: [log, kafka]
  queue_size: 64
  kafka:
    brokers: ["kafka:9092"]
    topic: sark.decisions
extra_field_patterns:
  medium: [phone]
resources:
  - id: payments-db
    owner_team: payments
    sensitivity: critical
  - id: docs
    sensitivity: public
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.MaxCacheEntries != 500 || !cfg.SingleFlight {
		t.Fatalf("unexpected scalars %+v", cfg)
	}
	if cfg.EvaluatorTimeout != 250*time.Millisecond || cfg.CircuitBreakerRecoveryTimeout != 45*time.Second {
		t.Fatalf("unexpected durations %s %s", cfg.EvaluatorTimeout, cfg.CircuitBreakerRecoveryTimeout)
	}
	table, err := cfg.TTLTable()
	if err != nil {
		t.Fatalf("ttl table: %v", err)
	}
	want := decision.TTLTable{
		decision.Public:   2 * time.Hour,
		decision.Low:      10 * time.Minute,
		decision.Medium:   time.Minute,
		decision.High:     30 * time.Second,
		decision.Critical: 0,
	}
	if !reflect.DeepEqual(table, want) {
		t.Fatalf("ttl table = %v", table)
	}
	res, err := cfg.ResourceList()
	if err != nil || len(res) != 2 || res[0].ID != "docs" || res[1].Sensitivity != decision.Critical {
		t.Fatalf("unexpected resources %+v %v", res, err)
	}
	extra, _ := cfg.FilterExtra()
	if !reflect.DeepEqual(extra, map[decision.Sensitivity][]string{decision.Medium: {"phone"}}) {
		t.Fatalf("unexpected extra patterns %v", extra)
	}
	if b := cfg.Breaker("policy-opa"); b.FailureThreshold != 3 || b.Name != "policy-opa" {
		t.Fatalf("unexpected breaker config %+v", b)
	}
	if cfg.Audit.WriteTimeout != Default().Audit.WriteTimeout {
		t.Fatal("keys absent from the file keep their defaults")
	}
	if cfg.Auth.Mode != "rs256" || cfg.Auth.Audience != "sark" || cfg.Auth.JWKSRefresh != Default().Auth.JWKSRefresh {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
}

func TestLoadRejectsUnknownKeysAndMissingFiles(t *testing.T) {
	_, err := Load(writeConfig(t, "max_cache_entrys: 10\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown key, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("empty file should load defaults: %v", err)
	}
	if cfg.MaxCacheEntries != Default().MaxCacheEntries {
		t.Fatal("empty file should keep defaults")
	}
}

func TestValidateReportsProblems(t *testing.T) {
	cases := map[string]func(*Config){
		"capacity":          func(c *Config) { c.MaxCacheEntries = 0 },
		"shards":            func(c *Config) { c.CacheShards = -1 },
		"ttl increases":     func(c *Config) { c.TTLBySensitivity["high"] = 2 * time.Hour },
		"ttl critical":      func(c *Config) { c.TTLBySensitivity["critical"] = time.Second },
		"ttl unknown level": func(c *Config) { c.TTLBySensitivity["secret"] = time.Second },
		"burst":             func(c *Config) { c.RateLimitBurst = 0 },
		"negative rate":     func(c *Config) { c.RateLimitPerIdentifier = -1 },
		"redis backend":     func(c *Config) { c.RateLimitBackend = RateLimitRedis },
		"limiter backend":   func(c *Config) { c.RateLimitBackend = "memcached" },
		"threshold":         func(c *Config) { c.CircuitBreakerFailureThreshold = 0 },
		"recovery":          func(c *Config) { c.CircuitBreakerRecoveryTimeout = 0 },
		"janitor":           func(c *Config) { c.JanitorInterval = 0 },
		"evaluator timeout": func(c *Config) { c.EvaluatorTimeout = 0 },
		"opa url":           func(c *Config) { c.Policy.Backend = "opa" },
		"opa retries": func(c *Config) {
			c.Policy.Backend = "opa"
			c.Policy.OPA.URL = "http://opa:8181"
			c.Policy.OPA.Retries = -1
		},
		"policy backend":    func(c *Config) { c.Policy.Backend = "xacml" },
		"log level":         func(c *Config) { c.LogLevel = "loud" },
		"unknown sink":      func(c *Config) { c.Audit.Sinks = []string{"s3"} },
		"postgres sink":     func(c *Config) { c.Audit.Sinks = []string{SinkPostgres} },
		"kafka sink":        func(c *Config) { c.Audit.Sinks = []string{SinkKafka} },
		"redact salt":       func(c *Config) { c.Audit.Redact = true },
		"control topic":     func(c *Config) { c.PolicyControl.Brokers = []string{"kafka:9092"} },
		"extra level":       func(c *Config) { c.ExtraFieldPatterns = map[string][]string{"ultra": {"x"}} },
		"auth mode":         func(c *Config) { c.Auth.Mode = "saml" },
		"auth secret":       func(c *Config) { c.Auth.Mode = "hs256" },
		"auth jwks":         func(c *Config) { c.Auth.Mode = "rs256" },
		"resource id": func(c *Config) {
			c.Resources = []ResourceConfig{{Sensitivity: "low"}}
		},
		"resource duplicate": func(c *Config) {
			c.Resources = []ResourceConfig{{ID: "a", Sensitivity: "low"}, {ID: "a", Sensitivity: "high"}}
		},
		"resource sensitivity": func(c *Config) {
			c.Resources = []ResourceConfig{{ID: "a", Sensitivity: "top-secret"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidateJoinsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.MaxCacheEntries = 0
	cfg.EvaluatorTimeout = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_cache_entries") || !strings.Contains(err.Error(), "evaluator_timeout") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SARK_LISTEN_ADDR", ":7070")
	t.Setenv("SARK_MAX_CACHE_ENTRIES", "42")
	t.Setenv("SARK_CACHE_SHARDS", "not-a-number")
	t.Setenv("SARK_RATE_LIMIT_PER_IDENTIFIER", "0.5")
	t.Setenv("SARK_SINGLE_FLIGHT", "true")
	t.Setenv("SARK_EVALUATOR_TIMEOUT_MS", "300")
	t.Setenv("SARK_CIRCUIT_BREAKER_RECOVERY_TIMEOUT_SEC", "12")
	t.Setenv("SARK_KEY_CONTEXT_FIELDS", "client_ip, ,tenant")
	t.Setenv("SARK_AUDIT_SINKS", "")
	t.Setenv("SARK_OPA_URL", "https://opa.example.com")
	t.Setenv("SARK_OPA_RETRIES", "2")
	t.Setenv("SARK_REDIS_TLS", "yes")
	t.Setenv("SARK_AUTH_MODE", "hs256")
	t.Setenv("SARK_AUTH_SECRET", "from-env")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.ListenAddr != ":7070" || cfg.MaxCacheEntries != 42 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.CacheShards != Default().CacheShards {
		t.Fatal("unparsable values keep the current setting")
	}
	if cfg.RateLimitPerIdentifier != 0.5 || !cfg.SingleFlight {
		t.Fatalf("unexpected rate/singleflight %v %v", cfg.RateLimitPerIdentifier, cfg.SingleFlight)
	}
	if cfg.EvaluatorTimeout != 300*time.Millisecond || cfg.CircuitBreakerRecoveryTimeout != 12*time.Second {
		t.Fatalf("unexpected durations %s %s", cfg.EvaluatorTimeout, cfg.CircuitBreakerRecoveryTimeout)
	}
	if !reflect.DeepEqual(cfg.KeyContextFields, []string{"client_ip", "tenant"}) {
		t.Fatalf("unexpected key fields %v", cfg.KeyContextFields)
	}
	if len(cfg.Audit.Sinks) != 0 {
		t.Fatalf("an empty list variable clears the sinks, got %v", cfg.Audit.Sinks)
	}
	if cfg.Policy.OPA.URL != "https://opa.example.com" || cfg.Policy.OPA.Retries != 2 {
		t.Fatalf("unexpected opa config %+v", cfg.Policy.OPA)
	}
	if cfg.Redis.TLS.Enabled {
		t.Fatal("only strconv booleans are accepted")
	}
	if cfg.Auth.Mode != "hs256" || cfg.Auth.Secret != "from-env" {
		t.Fatalf("unexpected auth %+v", cfg.Auth)
	}
}

func TestHardeningOptions(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	cfg.RateLimitBackend = RateLimitRedis
	cfg.Redis.Addr = "redis:6379"
	cfg.Audit.Sinks = []string{SinkPostgres}
	cfg.Postgres.URL = "postgres://db/sark?sslmode=disable"
	cfg.Audit.Redact = true

	o := cfg.Hardening("authzd")
	if o.RedisAddr != "redis:6379" || o.DatabaseURL == "" || len(o.RequiredSecrets) != 1 {
		t.Fatalf("unexpected hardening options %+v", o)
	}

	cfg.RateLimitBackend = RateLimitMemory
	cfg.Audit.Sinks = []string{SinkLog}
	o = cfg.Hardening("authzd")
	if o.RedisAddr != "" || o.DatabaseURL != "" || o.JWKSURL != "" {
		t.Fatalf("unused stores must not be checked: %+v", o)
	}

	cfg.Auth.Mode = "RS256"
	cfg.Auth.JWKSURL = "http://idp.internal/jwks"
	if o = cfg.Hardening("authzd"); o.JWKSURL != cfg.Auth.JWKSURL {
		t.Fatalf("rs256 callers must have their key source checked: %+v", o)
	}
}
