package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLimiterTokenBucket(t *testing.T) {
	_, client := newMiniredis(t)
	now := epoch
	lim := NewRedis(client, 1, 3)
	lim.Now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := lim.Admit(ctx, "principal:u1")
		if !res.Allowed || res.Degraded {
			t.Fatalf("request %d should be admitted, got %+v", i+1, res)
		}
		if res.Remaining != 2-i {
			t.Fatalf("request %d remaining = %d", i+1, res.Remaining)
		}
	}
	res := lim.Admit(ctx, "principal:u1")
	if res.Allowed || res.RetryAfter != time.Second {
		t.Fatalf("expected denial with 1s retry, got %+v", res)
	}

	now = now.Add(500 * time.Millisecond)
	res = lim.Admit(ctx, "principal:u1")
	if res.Allowed || res.RetryAfter != 500*time.Millisecond {
		t.Fatalf("expected denial with 500ms retry, got %+v", res)
	}

	now = now.Add(500 * time.Millisecond)
	if res := lim.Admit(ctx, "principal:u1"); !res.Allowed {
		t.Fatalf("expected refill after 1s, got %+v", res)
	}
	if res := lim.Admit(ctx, "principal:u2"); !res.Allowed {
		t.Fatalf("other identifiers are independent, got %+v", res)
	}
}

func TestRedisLimiterSetsIdleExpiry(t *testing.T) {
	mr, client := newMiniredis(t)
	lim := NewRedis(client, 1, 1)
	lim.IdleTTL = time.Minute
	lim.Admit(context.Background(), "k")
	if ttl := mr.TTL("rl:k"); ttl != time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}
}

func TestRedisLimiterFailsOpenWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   -1,
	})
	defer client.Close()

	var degraded int
	lim := NewRedis(client, 1, 1)
	lim.OnDegraded = func(string, error) { degraded++ }
	for i := 0; i < 5; i++ {
		res := lim.Admit(context.Background(), "k")
		if !res.Allowed || !res.Degraded {
			t.Fatalf("call %d: expected degraded admit, got %+v", i+1, res)
		}
	}
	if degraded != 5 {
		t.Fatalf("degraded hook fired %d times", degraded)
	}
}

func TestRedisLimiterNilClientFailsOpen(t *testing.T) {
	lim := &RedisLimiter{Burst: 4}
	var gotErr error
	lim.OnDegraded = func(_ string, err error) { gotErr = err }
	res := lim.Admit(context.Background(), "k")
	if !res.Allowed || !res.Degraded || res.Remaining != 4 {
		t.Fatalf("expected degraded admit, got %+v", res)
	}
	if gotErr == nil {
		t.Fatal("expected degraded reason")
	}
}

func TestRedisLimiterMalformedReply(t *testing.T) {
	_, client := newMiniredis(t)
	original := tokenBucketScript
	tokenBucketScript = redis.NewScript(`return {1}`)
	defer func() { tokenBucketScript = original }()

	var gotErr error
	lim := NewRedis(client, 1, 1)
	lim.OnDegraded = func(_ string, err error) { gotErr = err }
	res := lim.Admit(context.Background(), "k")
	if !res.Allowed || !res.Degraded {
		t.Fatalf("expected degraded admit, got %+v", res)
	}
	if !errors.Is(gotErr, errMalformedReply) {
		t.Fatalf("unexpected degraded reason %v", gotErr)
	}
}

func TestRedisLimiterFallbackEnforcesLocally(t *testing.T) {
	now := epoch
	lim := &RedisLimiter{Burst: 1, Now: func() time.Time { return now }}
	lim.Fallback = NewTokenBucket(1, 1)
	first := lim.Admit(context.Background(), "k")
	if !first.Allowed || !first.Degraded {
		t.Fatalf("expected degraded admit, got %+v", first)
	}
	second := lim.Admit(context.Background(), "k")
	if second.Allowed || !second.Degraded {
		t.Fatalf("fallback should enforce, got %+v", second)
	}
}
