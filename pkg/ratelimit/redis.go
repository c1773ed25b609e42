package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and spends one token atomically. State lives in
// a hash {tokens, last_refill}; rate is tokens per millisecond.
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local state = redis.call("HMGET", KEYS[1], "tokens", "last_refill")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = burst
  last = now
end
local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(burst, tokens + elapsed * rate)
local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif rate > 0 then
  wait = math.ceil((1 - tokens) / rate)
else
  wait = -1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_refill", tostring(now))
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens), wait}
`)

var errMalformedReply = errors.New("ratelimit: malformed script reply")

// RedisLimiter shares token buckets across replicas through Redis.
type RedisLimiter struct {
	Client  redis.Scripter
	Rate    float64
	Burst   int
	Prefix  string
	Timeout time.Duration
	// IdleTTL bounds how long an untouched bucket survives in Redis.
	IdleTTL time.Duration
	// Fallback, when set, enforces limits locally while Redis is
	// unavailable. Results are still reported as Degraded.
	Fallback   *TokenBucket
	Logger     *slog.Logger
	OnDegraded func(identifier string, err error)
	Now        func() time.Time
}

func NewRedis(client redis.Scripter, perSecond float64, burst int) *RedisLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RedisLimiter{
		Client:  client,
		Rate:    perSecond,
		Burst:   burst,
		Prefix:  "rl:",
		Timeout: 2 * time.Second,
		IdleTTL: DefaultIdleTimeout,
	}
}

func (l *RedisLimiter) Admit(ctx context.Context, identifier string) Result {
	if l.Client == nil {
		return l.degrade(identifier, errors.New("ratelimit: redis client not configured"))
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ttl := l.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := tokenBucketScript.Run(cctx, l.Client,
		[]string{l.Prefix + identifier},
		l.Rate/1000.0, l.Burst, now().UnixMilli(), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return l.degrade(identifier, fmt.Errorf("ratelimit: redis script: %w", err))
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.degrade(identifier, errMalformedReply)
	}
	allowed, ok1 := vals[0].(int64)
	remaining, ok2 := vals[1].(int64)
	waitMs, ok3 := vals[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return l.degrade(identifier, errMalformedReply)
	}
	if allowed == 1 {
		return Result{Allowed: true, Remaining: int(remaining)}
	}
	retry := time.Duration(waitMs) * time.Millisecond
	if waitMs < 0 {
		retry = ttl
	}
	return Result{Allowed: false, RetryAfter: retry}
}

func (l *RedisLimiter) degrade(identifier string, err error) Result {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("rate limiter degraded to fail-open", "component", "ratelimit", "identifier", identifier, "error", err)
	if l.OnDegraded != nil {
		l.OnDegraded(identifier, err)
	}
	if l.Fallback != nil {
		res := l.Fallback.AdmitAt(identifier, l.fallbackNow())
		res.Degraded = true
		return res
	}
	return Result{Allowed: true, Remaining: l.Burst, Degraded: true}
}

func (l *RedisLimiter) fallbackNow() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
