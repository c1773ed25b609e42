package metrics

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// HistogramBucket is a cumulative count of observations at or below Le
// seconds, as Prometheus exposes it.
type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// DefaultBuckets covers cache hits in the sub-millisecond range up to
// remote policy calls that run into their timeout.
var DefaultBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// Histogram counts latencies per bucket. counts has one slot per bound
// plus a final overflow slot.
type Histogram struct {
	mu     sync.Mutex
	name   string
	bounds []float64
	counts []int64
	sum    float64
	total  int64
	max    float64
}

func NewHistogram(name string) *Histogram {
	return NewHistogramWithBuckets(name, DefaultBuckets)
}

// NewHistogramWithBuckets sorts and de-duplicates the bounds.
func NewHistogramWithBuckets(name string, bounds []float64) *Histogram {
	sorted := slices.Clone(bounds)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return &Histogram{name: name, bounds: sorted, counts: make([]int64, len(sorted)+1)}
}

// Observe clamps negative durations to zero.
func (h *Histogram) Observe(d time.Duration) {
	sec := max(d.Seconds(), 0)
	i := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	h.counts[i]++
	h.sum += sec
	h.total++
	h.max = max(h.max, sec)
	h.mu.Unlock()
}

// Quantile estimates the q-quantile (0.0-1.0) in seconds by linear
// interpolation inside the bucket that holds it, never reporting more than
// the largest observation.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quantileLocked(q)
}

func (h *Histogram) quantileLocked(q float64) float64 {
	if h.total == 0 {
		return 0
	}
	rank := min(max(q, 0), 1) * float64(h.total)
	var seen int64
	for i, c := range h.counts {
		if c == 0 {
			continue
		}
		if float64(seen+c) < rank {
			seen += c
			continue
		}
		if i == len(h.bounds) {
			return h.max
		}
		lower := 0.0
		if i > 0 {
			lower = h.bounds[i-1]
		}
		est := lower + (h.bounds[i]-lower)*(rank-float64(seen))/float64(c)
		return min(est, h.max)
	}
	return h.max
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	Max     float64           `json:"max"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.bounds))
	var cum int64
	for i, le := range h.bounds {
		cum += h.counts[i]
		buckets[i] = HistogramBucket{Le: le, Count: cum}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.total,
		Max:     h.max,
		P50:     h.quantileLocked(0.50),
		P95:     h.quantileLocked(0.95),
		P99:     h.quantileLocked(0.99),
	}
}

// HistogramRegistry holds one histogram per pipeline stage.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns or creates a histogram by name.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; !ok {
		h = NewHistogram(name)
		r.histograms[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram ordered by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	names := SortedKeys(r.histograms)
	hs := make([]*Histogram, len(names))
	for i, n := range names {
		hs[i] = r.histograms[n]
	}
	r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	return out
}
