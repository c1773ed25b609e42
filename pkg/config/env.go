package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

// ApplyEnv overlays SARK_* variables on c. Unset or unparsable variables
// leave the current value in place; OTEL_* variables configure telemetry.
func (c *Config) ApplyEnv() {
	c.Environment = env("SARK_ENVIRONMENT", c.Environment)
	c.ListenAddr = env("SARK_LISTEN_ADDR", c.ListenAddr)
	c.MaxRequestBodyBytes = int64(envInt("SARK_MAX_REQUEST_BODY_BYTES", int(c.MaxRequestBodyBytes)))
	c.StreamAllowedOrigins = envList("SARK_STREAM_ALLOWED_ORIGINS", c.StreamAllowedOrigins)
	c.LogLevel = env("SARK_LOG_LEVEL", c.LogLevel)
	c.ShutdownTimeout = envDurationSec("SARK_SHUTDOWN_TIMEOUT_SEC", c.ShutdownTimeout)

	c.MaxCacheEntries = envInt("SARK_MAX_CACHE_ENTRIES", c.MaxCacheEntries)
	c.CacheShards = envInt("SARK_CACHE_SHARDS", c.CacheShards)
	c.JanitorInterval = envDurationSec("SARK_JANITOR_INTERVAL_SEC", c.JanitorInterval)
	c.KeyContextFields = envList("SARK_KEY_CONTEXT_FIELDS", c.KeyContextFields)
	c.SingleFlight = envBool("SARK_SINGLE_FLIGHT", c.SingleFlight)

	c.RateLimitPerIdentifier = envFloat("SARK_RATE_LIMIT_PER_IDENTIFIER", c.RateLimitPerIdentifier)
	c.RateLimitBurst = envInt("SARK_RATE_LIMIT_BURST", c.RateLimitBurst)
	c.RateLimitIdleTimeout = envDurationSec("SARK_RATE_LIMIT_IDLE_TIMEOUT_SEC", c.RateLimitIdleTimeout)
	c.RateLimitBackend = env("SARK_RATE_LIMIT_BACKEND", c.RateLimitBackend)

	c.CircuitBreakerFailureThreshold = envInt("SARK_CIRCUIT_BREAKER_FAILURE_THRESHOLD", c.CircuitBreakerFailureThreshold)
	c.CircuitBreakerRecoveryTimeout = envDurationSec("SARK_CIRCUIT_BREAKER_RECOVERY_TIMEOUT_SEC", c.CircuitBreakerRecoveryTimeout)
	c.EvaluatorTimeout = envDurationMS("SARK_EVALUATOR_TIMEOUT_MS", c.EvaluatorTimeout)
	c.BatchConcurrency = envInt("SARK_BATCH_CONCURRENCY", c.BatchConcurrency)

	c.Policy.Backend = env("SARK_POLICY_BACKEND", c.Policy.Backend)
	c.Policy.RulesFile = env("SARK_POLICY_RULES_FILE", c.Policy.RulesFile)
	c.Policy.OPA.URL = env("SARK_OPA_URL", c.Policy.OPA.URL)
	c.Policy.OPA.PolicyPath = env("SARK_OPA_POLICY_PATH", c.Policy.OPA.PolicyPath)
	c.Policy.OPA.BearerToken = env("SARK_OPA_BEARER_TOKEN", c.Policy.OPA.BearerToken)
	c.Policy.OPA.Retries = envInt("SARK_OPA_RETRIES", c.Policy.OPA.Retries)

	c.SensitiveFieldPatterns = envList("SARK_SENSITIVE_FIELD_PATTERNS", c.SensitiveFieldPatterns)

	c.Auth.Mode = env("SARK_AUTH_MODE", c.Auth.Mode)
	c.Auth.Secret = env("SARK_AUTH_SECRET", c.Auth.Secret)
	c.Auth.JWKSURL = env("SARK_AUTH_JWKS_URL", c.Auth.JWKSURL)
	c.Auth.Issuer = env("SARK_AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = env("SARK_AUTH_AUDIENCE", c.Auth.Audience)

	c.Audit.Sinks = envList("SARK_AUDIT_SINKS", c.Audit.Sinks)
	c.Audit.QueueSize = envInt("SARK_AUDIT_QUEUE_SIZE", c.Audit.QueueSize)
	c.Audit.Redact = envBool("SARK_AUDIT_REDACT", c.Audit.Redact)
	c.Audit.HashSalt = env("SARK_AUDIT_HASH_SALT", c.Audit.HashSalt)
	c.Audit.Kafka.Brokers = envList("SARK_KAFKA_BROKERS", c.Audit.Kafka.Brokers)
	c.Audit.Kafka.Topic = env("SARK_AUDIT_TOPIC", c.Audit.Kafka.Topic)

	c.Redis.Addr = env("SARK_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env("SARK_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("SARK_REDIS_DB", c.Redis.DB)
	c.Redis.RequireTLS = envBool("SARK_REDIS_REQUIRE_TLS", c.Redis.RequireTLS)
	c.Redis.TLS.Enabled = envBool("SARK_REDIS_TLS", c.Redis.TLS.Enabled)
	c.Redis.TLS.CACertFile = env("SARK_REDIS_TLS_CA_CERT_FILE", c.Redis.TLS.CACertFile)

	c.Postgres.URL = env("SARK_DATABASE_URL", c.Postgres.URL)
	c.Postgres.RequireTLS = envBool("SARK_DATABASE_REQUIRE_TLS", c.Postgres.RequireTLS)

	c.PolicyControl.Brokers = envList("SARK_POLICY_CONTROL_BROKERS", c.PolicyControl.Brokers)
	c.PolicyControl.Topic = env("SARK_POLICY_CONTROL_TOPIC", c.PolicyControl.Topic)
	c.PolicyControl.StartOffset = env("SARK_POLICY_CONTROL_START_OFFSET", c.PolicyControl.StartOffset)

	c.Telemetry = telemetry.FromEnv(c.Telemetry)
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}

func envDurationMS(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return def
}

// envList splits a comma separated value, dropping blanks.
func envList(k string, def []string) []string {
	v, ok := os.LookupEnv(k)
	if !ok {
		return def
	}
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
