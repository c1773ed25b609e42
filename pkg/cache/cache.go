// Package cache is the in-process decision cache. Entries are spread over
// independently locked shards so lookups for unrelated keys never contend;
// each shard keeps strict LRU order among its live entries.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

const (
	DefaultMaxEntries = 10000
	DefaultShards     = 16
)

type Options struct {
	MaxEntries int
	// Shards is rounded down to a power of two and never exceeds
	// MaxEntries. With one shard the LRU order is global.
	Shards int
	TTL    decision.TTLTable
	Now    func() time.Time
	Logger *slog.Logger
	// OnEvict is called outside shard locks with "lru" or "expired".
	OnEvict func(reason string, n int)
}

type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Rejected    uint64 `json:"rejected"`
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	decision  decision.Decision
	expiresAt int64
	// lastAccessed holds a value of the cache-wide access clock; larger is
	// more recent.
	lastAccessed atomic.Uint64
}

type shard struct {
	mu       sync.RWMutex
	items    map[decision.Key]*entry
	capacity int
}

type Cache struct {
	shards   []*shard
	mask     uint64
	capacity int
	ttl      decision.TTLTable
	now      func() time.Time
	logger   *slog.Logger
	onEvict  func(string, int)

	clock       atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	rejected    atomic.Uint64
}

func New(opts Options) *Cache {
	max := opts.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	if n > max {
		n = max
	}
	n = floorPow2(n)
	per := (max + n - 1) / n
	c := &Cache{
		shards:   make([]*shard, n),
		mask:     uint64(n - 1),
		capacity: per * n,
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   opts.Logger,
		onEvict:  opts.OnEvict,
	}
	if c.ttl == nil {
		c.ttl = decision.DefaultTTLTable()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[decision.Key]*entry, per), capacity: per}
	}
	return c
}

func floorPow2(n int) int {
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

func (c *Cache) shardFor(k decision.Key) *shard {
	return c.shards[xxhash.Sum64(k[:])&c.mask]
}

// Get returns the cached decision for k. Expired entries are misses. Any
// internal fault is reported as a miss so the caller re-evaluates.
func (c *Cache) Get(k decision.Key) (d decision.Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("decision cache lookup failed, treating as miss", "key", k.String(), "panic", r)
			c.misses.Add(1)
			d, ok = decision.Decision{}, false
		}
	}()
	s := c.shardFor(k)
	s.mu.RLock()
	e := s.items[k]
	s.mu.RUnlock()
	if e == nil || c.now().UnixNano() >= e.expiresAt {
		c.misses.Add(1)
		return decision.Decision{}, false
	}
	e.lastAccessed.Store(c.clock.Add(1))
	c.hits.Add(1)
	return e.decision, true
}

// Put caches d with the lifetime configured for sensitivity. Critical and
// otherwise non-cacheable levels are rejected and Put reports false.
func (c *Cache) Put(k decision.Key, d decision.Decision, sensitivity decision.Sensitivity) bool {
	ttl, ok := c.ttl.TTL(sensitivity)
	if !ok {
		c.rejected.Add(1)
		return false
	}
	return c.PutWithTTL(k, d, ttl)
}

func (c *Cache) PutWithTTL(k decision.Key, d decision.Decision, ttl time.Duration) bool {
	if ttl <= 0 {
		c.rejected.Add(1)
		return false
	}
	now := c.now().UnixNano()
	e := &entry{decision: d, expiresAt: now + int64(ttl)}
	e.lastAccessed.Store(c.clock.Add(1))

	s := c.shardFor(k)
	var expired, evicted int
	s.mu.Lock()
	if _, exists := s.items[k]; !exists && len(s.items) >= s.capacity {
		expired, evicted = s.evictLocked(now)
	}
	s.items[k] = e
	s.mu.Unlock()
	c.recordEvictions(expired, evicted)
	return true
}

// evictLocked frees room for one entry: every expired entry goes first, and
// only when none were expired is the least recently accessed live entry
// dropped.
func (s *shard) evictLocked(now int64) (expired, evicted int) {
	var (
		victim   decision.Key
		oldest   uint64
		haveLive bool
	)
	for k, e := range s.items {
		if now >= e.expiresAt {
			delete(s.items, k)
			expired++
			continue
		}
		if la := e.lastAccessed.Load(); !haveLive || la < oldest {
			victim, oldest, haveLive = k, la, true
		}
	}
	if expired > 0 || !haveLive {
		return expired, 0
	}
	delete(s.items, victim)
	return 0, 1
}

func (c *Cache) recordEvictions(expired, evicted int) {
	if expired > 0 {
		c.expirations.Add(uint64(expired))
		if c.onEvict != nil {
			c.onEvict("expired", expired)
		}
	}
	if evicted > 0 {
		c.evictions.Add(uint64(evicted))
		if c.onEvict != nil {
			c.onEvict("lru", evicted)
		}
	}
}

func (c *Cache) Delete(k decision.Key) {
	s := c.shardFor(k)
	s.mu.Lock()
	delete(s.items, k)
	s.mu.Unlock()
}

// Clear drops every entry, for example after a policy version rollover.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[decision.Key]*entry, s.capacity)
		s.mu.Unlock()
	}
}

func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// CleanupExpired removes expired entries from every shard and returns how
// many were removed.
func (c *Cache) CleanupExpired() int {
	n, _ := c.CleanupExpiredContext(context.Background())
	return n
}

// CleanupExpiredContext is CleanupExpired that stops between shards once
// ctx is done, returning what was removed so far and ctx.Err().
func (c *Cache) CleanupExpiredContext(ctx context.Context) (int, error) {
	removed := 0
	for _, s := range c.shards {
		if err := ctx.Err(); err != nil {
			c.recordEvictions(removed, 0)
			return removed, err
		}
		now := c.now().UnixNano()
		s.mu.Lock()
		for k, e := range s.items {
			if now >= e.expiresAt {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.recordEvictions(removed, 0)
	return removed, nil
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Rejected:    c.rejected.Load(),
		Size:        c.Len(),
		Capacity:    c.capacity,
	}
}
