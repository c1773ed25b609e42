// Package ratelimit admits or rejects callers per identifier. Unlike policy
// evaluation it fails open: when shared limiter state is unreachable the
// request is admitted and the result is flagged Degraded.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultIdleTimeout = 10 * time.Minute
	bucketShards       = 16
)

type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	// Degraded reports that the limiter could not consult its backing
	// state and admitted the request without enforcement.
	Degraded bool `json:"degraded,omitempty"`
}

type Limiter interface {
	Admit(ctx context.Context, identifier string) Result
}

// Disabled admits everything. It is used when no rate is configured.
type Disabled struct{}

func (Disabled) Admit(context.Context, string) Result {
	return Result{Allowed: true, Remaining: math.MaxInt32}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

type bucketShard struct {
	mu    sync.Mutex
	items map[string]*bucket
}

// TokenBucket keeps one lazily created token bucket per identifier. Tokens
// refill continuously at Rate per second up to Burst.
type TokenBucket struct {
	limit  rate.Limit
	burst  int
	idle   time.Duration
	now    func() time.Time
	shards [bucketShards]*bucketShard
}

type TokenBucketOption func(*TokenBucket)

func WithClock(now func() time.Time) TokenBucketOption {
	return func(tb *TokenBucket) {
		if now != nil {
			tb.now = now
		}
	}
}

func WithIdleTimeout(d time.Duration) TokenBucketOption {
	return func(tb *TokenBucket) {
		if d > 0 {
			tb.idle = d
		}
	}
}

func NewTokenBucket(perSecond float64, burst int, opts ...TokenBucketOption) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	tb := &TokenBucket{
		limit: rate.Limit(perSecond),
		burst: burst,
		idle:  DefaultIdleTimeout,
		now:   time.Now,
	}
	for i := range tb.shards {
		tb.shards[i] = &bucketShard{items: make(map[string]*bucket)}
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

func (tb *TokenBucket) Admit(_ context.Context, identifier string) Result {
	return tb.AdmitAt(identifier, tb.now())
}

// AdmitAt consumes one token for identifier as of now. On denial no token
// is consumed and RetryAfter is the wait until one would be available.
func (tb *TokenBucket) AdmitAt(identifier string, now time.Time) Result {
	b := tb.bucket(identifier, now)
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Result{Allowed: false, RetryAfter: time.Duration(math.MaxInt64)}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{Allowed: false, RetryAfter: delay}
	}
	remaining := int(math.Floor(b.lim.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}
}

func (tb *TokenBucket) bucket(identifier string, now time.Time) *bucket {
	s := tb.shards[xxhash.Sum64String(identifier)%bucketShards]
	s.mu.Lock()
	b, ok := s.items[identifier]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(tb.limit, tb.burst)}
		s.items[identifier] = b
	}
	s.mu.Unlock()
	b.lastSeen.Store(now.UnixNano())
	return b
}

// EvictIdle drops buckets not used within the idle timeout and returns how
// many were dropped. A dropped identifier starts again with a full bucket.
func (tb *TokenBucket) EvictIdle(now time.Time) int {
	cutoff := now.Add(-tb.idle).UnixNano()
	removed := 0
	for _, s := range tb.shards {
		s.mu.Lock()
		for id, b := range s.items {
			if b.lastSeen.Load() < cutoff {
				delete(s.items, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (tb *TokenBucket) Len() int {
	n := 0
	for _, s := range tb.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// CleanupExpiredContext lets the cache janitor sweep idle buckets on the
// same schedule as decision entries.
func (tb *TokenBucket) CleanupExpiredContext(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return tb.EvictIdle(tb.now()), nil
}
