package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/apathy-ca/sark-sub005/pkg/audit"
	"github.com/apathy-ca/sark-sub005/pkg/auth"
	"github.com/apathy-ca/sark-sub005/pkg/breaker"
	"github.com/apathy-ca/sark-sub005/pkg/cache"
	"github.com/apathy-ca/sark-sub005/pkg/decision"
	"github.com/apathy-ca/sark-sub005/pkg/httpx"
	"github.com/apathy-ca/sark-sub005/pkg/pipeline"
	"github.com/apathy-ca/sark-sub005/pkg/stream"
	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

const (
	serviceName   = "authzd"
	maxBatchItems = 100
)

type authorizeRequest struct {
	Principal  decision.Principal `json:"principal"`
	Action     string             `json:"action"`
	ResourceID string             `json:"resource_id"`
	Context    map[string]any     `json:"context,omitempty"`
	Payload    map[string]any     `json:"payload,omitempty"`
	RateKey    string             `json:"rate_key,omitempty"`
}

func (r authorizeRequest) input() (pipeline.Input, error) {
	if strings.TrimSpace(r.Principal.ID) == "" {
		return pipeline.Input{}, errors.New("principal.id is required")
	}
	if strings.TrimSpace(r.Action) == "" {
		return pipeline.Input{}, errors.New("action is required")
	}
	if strings.TrimSpace(r.ResourceID) == "" {
		return pipeline.Input{}, errors.New("resource_id is required")
	}
	p := r.Principal
	p.Role = decision.ParseRole(string(p.Role))
	return pipeline.Input{
		Principal:  p,
		Action:     r.Action,
		ResourceID: r.ResourceID,
		Context:    r.Context,
		Payload:    r.Payload,
		RateKey:    r.RateKey,
	}, nil
}

type authorizeResponse struct {
	Allow          bool           `json:"allow"`
	Reason         string         `json:"reason"`
	PolicyRef      string         `json:"policy_ref,omitempty"`
	FilteredFields []string       `json:"filtered_fields,omitempty"`
	EvaluatedAt    time.Time      `json:"evaluated_at"`
	Payload        map[string]any `json:"payload,omitempty"`
	Outcome        audit.Outcome  `json:"outcome"`
	CacheHit       bool           `json:"cache_hit"`
	Cached         bool           `json:"cached"`
	Degraded       bool           `json:"degraded,omitempty"`
	RetryAfterMS   int64          `json:"retry_after_ms,omitempty"`
	Trace          []string       `json:"trace"`
	EventID        string         `json:"event_id"`
}

func newAuthorizeResponse(r pipeline.Result) authorizeResponse {
	trace := make([]string, len(r.Trace))
	for i, s := range r.Trace {
		trace[i] = string(s)
	}
	out := authorizeResponse{
		Allow:          r.Decision.Allow,
		Reason:         r.Decision.Reason,
		PolicyRef:      r.Decision.PolicyRef,
		FilteredFields: r.Decision.FilteredFields,
		EvaluatedAt:    r.Decision.EvaluatedAt,
		Payload:        r.Payload,
		Outcome:        r.Outcome,
		CacheHit:       r.CacheHit,
		Cached:         r.Cached,
		Degraded:       r.Degraded,
		Trace:          trace,
		EventID:        r.EventID,
	}
	if r.RetryAfter > 0 {
		out.RetryAfterMS = r.RetryAfter.Milliseconds()
	}
	return out
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(a.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(httpx.MaxBodyMiddleware(a.cfg.MaxRequestBodyBytes))
	r.Get("/healthz", a.health)
	r.Get("/metrics", a.metrics.Handler())
	r.Get("/metrics/prometheus", a.metrics.PrometheusHandler())
	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)
		r.Group(func(r chi.Router) {
			r.Use(a.auth.RequireScope(auth.ScopeAuthorize, auth.ScopeAdmin))
			r.Post("/v1/authorize", a.authorize)
			r.Post("/v1/authorize/batch", a.authorizeBatch)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.auth.RequireScope(auth.ScopeAdmin))
			r.Post("/v1/cache/invalidate", a.invalidate)
			r.Delete("/v1/cache", a.clearCache)
			r.Get("/v1/audit/{event_id}", a.getAudit)
			r.Get("/v1/events", a.streamEvents)
		})
	})
	return r
}

func (a *app) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := a.decode(r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res := a.pipeline.Authorize(r.Context(), in)
	status := http.StatusOK
	if res.Outcome == audit.OutcomeDeniedRateLimit {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", retryAfterSeconds(res.RetryAfter))
	}
	httpx.WriteJSON(w, status, newAuthorizeResponse(res))
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func (a *app) authorizeBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []authorizeRequest `json:"requests"`
	}
	if err := a.decode(r, &body); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	if len(body.Requests) == 0 {
		httpx.Error(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	if len(body.Requests) > maxBatchItems {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "at most "+strconv.Itoa(maxBatchItems)+" requests per batch")
		return
	}
	inputs := make([]pipeline.Input, len(body.Requests))
	for i, req := range body.Requests {
		in, err := req.input()
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "requests["+strconv.Itoa(i)+"]: "+err.Error())
			return
		}
		inputs[i] = in
	}
	results := a.pipeline.AuthorizeBatch(r.Context(), inputs)
	out := make([]authorizeResponse, len(results))
	for i, res := range results {
		out[i] = newAuthorizeResponse(res)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (a *app) invalidate(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := a.decode(r, &req); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.pipeline.Invalidate(in.Request()); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) clearCache(w http.ResponseWriter, _ *http.Request) {
	a.pipeline.InvalidateAll()
	a.hub.Publish(stream.NewEvent(stream.TypeCacheCleared, nil))
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) getAudit(w http.ResponseWriter, r *http.Request) {
	if a.auditStore == nil {
		httpx.Error(w, http.StatusNotFound, "audit store not configured")
		return
	}
	ev, err := a.auditStore.Get(r.Context(), chi.URLParam(r, "event_id"))
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error("audit lookup failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ev)
}

func (a *app) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	breakers := map[string]breaker.Snapshot{}
	for _, br := range a.breakers {
		snap := br.Snapshot()
		breakers[br.Name()] = snap
		if snap.State == breaker.Open.String() {
			status = "degraded"
		}
	}
	janitors := map[string]cache.JanitorStats{}
	for name, j := range a.janitors {
		janitors[name] = j.Stats()
	}
	dispatchers := map[string]audit.DispatcherStats{}
	for i, d := range a.dispatchers {
		name := strconv.Itoa(i)
		if br := d.Breaker(); br != nil && br.Name() != "" {
			name = br.Name()
		}
		dispatchers[name] = d.Stats()
	}
	body := map[string]any{
		"status":         status,
		"service":        serviceName,
		"policy_backend": a.evaluator.Backend().Name(),
		"policy_version": a.policyVersion(),
		"auth_mode":      a.auth.Mode(),
		"cache":          a.pipeline.Cache().Stats(),
		"breakers":       breakers,
		"janitors":       janitors,
		"audit":          dispatchers,
	}
	if a.rollover != nil {
		body["policy_version"] = a.rollover.Current()
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (a *app) streamEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(a.cfg.StreamAllowedOrigins) > 0 {
		opts.OriginPatterns = a.cfg.StreamAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	sub := a.hub.Subscribe(64, types...)
	defer a.hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, map[string]any{"types": types}))
	var reported uint64
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				if err := writeEvent(ctx, conn, stream.NewEvent(stream.TypeLagged, map[string]uint64{"dropped": dropped - reported})); err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
				reported = dropped
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt stream.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is needed for the websocket upgrade on /v1/events.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// metricsMiddleware labels by route pattern so ids in paths do not create
// one series each.
func (a *app) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		path := r.Method + " " + route
		a.metrics.Observe(path, rec.code, elapsed)
		a.metrics.ObserveLatency(path, elapsed)
	})
}

func (a *app) decode(r *http.Request, v any) error {
	return httpx.DecodeJSON(r, a.cfg.MaxRequestBodyBytes, v)
}

func (a *app) server() *http.Server {
	return &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
