// Package metrics keeps in-process counters, gauges and latency histograms
// for the authorization service and exposes them as JSON and Prometheus
// text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Histogram names.
const (
	HistEvaluation = "evaluation"
	HistPipeline   = "pipeline"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	outcome     map[string]int64
	reason      map[string]int64
	evalErrors  map[string]int64
	rateLimit   map[string]int64
	audit       map[string]int64
	sweeps      map[string]*SweepStat
	transitions map[string]int64
	breakers    map[string]string
	gauges      map[string]float64
	gaugeFuncs  map[string]func() float64
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type SweepStat struct {
	Sweeps  int64 `json:"sweeps"`
	Removed int64 `json:"removed"`
	LastMS  int64 `json:"last_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Outcomes           map[string]int64        `json:"outcomes"`
	Reasons            map[string]int64        `json:"reasons"`
	EvaluationErrors   map[string]int64        `json:"evaluation_errors"`
	RateLimit          map[string]int64        `json:"rate_limit"`
	Audit              map[string]int64        `json:"audit"`
	Sweeps             map[string]SweepStat    `json:"sweeps"`
	BreakerTransitions map[string]int64        `json:"breaker_transitions"`
	BreakerStates      map[string]string       `json:"breaker_states"`
	Gauges             map[string]float64      `json:"gauges"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		outcome:     map[string]int64{},
		reason:      map[string]int64{},
		evalErrors:  map[string]int64{},
		rateLimit:   map[string]int64{},
		audit:       map[string]int64{},
		sweeps:      map[string]*SweepStat{},
		transitions: map[string]int64{},
		breakers:    map[string]string{},
		gauges:      map[string]float64{},
		gaugeFuncs:  map[string]func() float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

// Observe records one HTTP request against its route pattern.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

// ObserveDecision counts a terminal pipeline result and its latency.
func (r *Registry) ObserveDecision(outcome, reason string, d time.Duration) {
	r.inc(r.outcome, outcome)
	r.inc(r.reason, reason)
	r.ObserveLatency(HistPipeline, d)
}

// ObserveEvaluation matches the policy evaluator's observe hook.
func (r *Registry) ObserveEvaluation(backend string, d time.Duration, err error) {
	r.ObserveLatency(HistEvaluation, d)
	if err != nil {
		r.inc(r.evalErrors, backend)
	}
}

// IncRateLimit counts limiter results: admitted, denied or degraded.
func (r *Registry) IncRateLimit(result string) {
	r.inc(r.rateLimit, result)
}

func (r *Registry) AuditDelivered(sink string) {
	r.inc(r.audit, sink+"|delivered")
}

func (r *Registry) AuditFailed(sink string, _ error) {
	r.inc(r.audit, sink+"|failed")
}

func (r *Registry) AuditDropped(sink, reason string) {
	r.inc(r.audit, sink+"|dropped:"+reason)
}

// ObserveSweep records one janitor pass for the named component.
func (r *Registry) ObserveSweep(component string, removed int, took time.Duration) {
	if component == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sweeps[component]
	if !ok {
		st = &SweepStat{}
		r.sweeps[component] = st
	}
	st.Sweeps++
	st.Removed += int64(removed)
	st.LastMS = took.Milliseconds()
}

// BreakerTransition records a state change. It only takes the registry
// lock, so it is safe to call from a breaker's state change hook.
func (r *Registry) BreakerTransition(name, from, to string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.transitions[name+"|"+from+"|"+to]++
	r.breakers[name] = to
	r.mu.Unlock()
}

// SetBreakerState seeds the state gauge before the first transition.
func (r *Registry) SetBreakerState(name, state string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.breakers[name] = state
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// SetGaugeFunc registers a gauge read at snapshot time, for values owned
// by other components such as cache size or hit rate.
func (r *Registry) SetGaugeFunc(name string, fn func() float64) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.gaugeFuncs[name] = fn
	r.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:           copyCounts(r.outcome),
		Reasons:            copyCounts(r.reason),
		EvaluationErrors:   copyCounts(r.evalErrors),
		RateLimit:          copyCounts(r.rateLimit),
		Audit:              copyCounts(r.audit),
		Sweeps:             make(map[string]SweepStat, len(r.sweeps)),
		BreakerTransitions: copyCounts(r.transitions),
		BreakerStates:      make(map[string]string, len(r.breakers)),
		Gauges:             make(map[string]float64, len(r.gauges)+len(r.gaugeFuncs)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.sweeps {
		out.Sweeps[k] = *v
	}
	for k, v := range r.breakers {
		out.BreakerStates[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	funcs := make(map[string]func() float64, len(r.gaugeFuncs))
	for k, fn := range r.gaugeFuncs {
		funcs[k] = fn
	}
	r.mu.RUnlock()

	// Gauge funcs may take other components' locks; run them unlocked.
	for k, fn := range funcs {
		out.Gauges[k] = fn()
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		b.WriteString("# HELP sark_http_requests_total requests by route\n")
		b.WriteString("# TYPE sark_http_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sark_http_requests_total{route=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP sark_http_errors_total responses with status >= 400 by route\n")
		b.WriteString("# TYPE sark_http_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sark_http_errors_total{route=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}

		writeCounter(b, "sark_decisions_total", "terminal authorization results by outcome", "outcome", snap.Outcomes)
		writeCounter(b, "sark_decision_reasons_total", "terminal authorization results by reason", "reason", snap.Reasons)
		writeCounter(b, "sark_evaluation_errors_total", "failed policy evaluations by backend", "backend", snap.EvaluationErrors)
		writeCounter(b, "sark_ratelimit_total", "rate limiter results", "result", snap.RateLimit)

		b.WriteString("# HELP sark_audit_events_total audit deliveries by sink and result\n")
		b.WriteString("# TYPE sark_audit_events_total counter\n")
		for _, key := range SortedKeys(snap.Audit) {
			sink, result, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "sark_audit_events_total{sink=%q,result=%q} %d\n", sink, result, snap.Audit[key])
		}

		b.WriteString("# HELP sark_janitor_sweeps_total expiry sweeps by component\n")
		b.WriteString("# TYPE sark_janitor_sweeps_total counter\n")
		for _, c := range SortedKeys(snap.Sweeps) {
			fmt.Fprintf(b, "sark_janitor_sweeps_total{component=%q} %d\n", c, snap.Sweeps[c].Sweeps)
		}
		b.WriteString("# HELP sark_janitor_removed_total entries removed by expiry sweeps\n")
		b.WriteString("# TYPE sark_janitor_removed_total counter\n")
		for _, c := range SortedKeys(snap.Sweeps) {
			fmt.Fprintf(b, "sark_janitor_removed_total{component=%q} %d\n", c, snap.Sweeps[c].Removed)
		}

		b.WriteString("# HELP sark_breaker_transitions_total circuit breaker state changes\n")
		b.WriteString("# TYPE sark_breaker_transitions_total counter\n")
		for _, key := range SortedKeys(snap.BreakerTransitions) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			fmt.Fprintf(b, "sark_breaker_transitions_total{breaker=%q,from=%q,to=%q} %d\n", parts[0], parts[1], parts[2], snap.BreakerTransitions[key])
		}
		b.WriteString("# HELP sark_breaker_state current circuit breaker state\n")
		b.WriteString("# TYPE sark_breaker_state gauge\n")
		for _, name := range SortedKeys(snap.BreakerStates) {
			for _, state := range []string{"closed", "open", "half_open"} {
				v := 0
				if snap.BreakerStates[name] == state {
					v = 1
				}
				fmt.Fprintf(b, "sark_breaker_state{breaker=%q,state=%q} %d\n", name, state, v)
			}
		}

		b.WriteString("# HELP sark_gauge operational gauges\n")
		b.WriteString("# TYPE sark_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "sark_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		b.WriteString("# HELP sark_latency_seconds latency histogram\n")
		b.WriteString("# TYPE sark_latency_seconds histogram\n")
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "sark_latency_seconds_bucket{stage=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "sark_latency_seconds_bucket{stage=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "sark_latency_seconds_sum{stage=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "sark_latency_seconds_count{stage=%q} %d\n", h.Name, h.Count)
		}
		b.WriteString("# HELP sark_latency_quantile_seconds bucket estimated latency quantiles\n")
		b.WriteString("# TYPE sark_latency_quantile_seconds gauge\n")
		for _, h := range snap.Histograms {
			fmt.Fprintf(b, "sark_latency_quantile_seconds{stage=%q,quantile=\"0.5\"} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "sark_latency_quantile_seconds{stage=%q,quantile=\"0.95\"} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "sark_latency_quantile_seconds{stage=%q,quantile=\"0.99\"} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func writeCounter(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range SortedKeys(values) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
