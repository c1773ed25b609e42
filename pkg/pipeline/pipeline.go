// Package pipeline orchestrates one authorization: admission, cache,
// evaluation, filtering and the audit event. Authorize never returns an
// error; every failure surfaces as a deny decision.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/apathy-ca/sark-sub005/pkg/audit"
	"github.com/apathy-ca/sark-sub005/pkg/cache"
	"github.com/apathy-ca/sark-sub005/pkg/decision"
	"github.com/apathy-ca/sark-sub005/pkg/filter"
	"github.com/apathy-ca/sark-sub005/pkg/policyeval"
	"github.com/apathy-ca/sark-sub005/pkg/ratelimit"
	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

type Stage string

const (
	StageAdmitted        Stage = "ADMITTED"
	StageCacheCheck      Stage = "CACHE_CHECK"
	StageHit             Stage = "HIT"
	StageMiss            Stage = "MISS"
	StageEvaluating      Stage = "EVALUATING"
	StageCached          Stage = "CACHED"
	StageFiltered        Stage = "FILTERED"
	StageDone            Stage = "DONE"
	StageDeniedRateLimit Stage = "DENIED_RATE_LIMIT"
	StageDeniedError     Stage = "DENIED_ERROR"
)

const DefaultBatchConcurrency = 8

// Evaluator is satisfied by *policyeval.Evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, req decision.Request, res decision.Resource) policyeval.Evaluation
}

type Input struct {
	Principal  decision.Principal
	Action     string
	ResourceID string
	Context    map[string]any
	Payload    map[string]any
	// RateKey selects the rate limit bucket; the principal id when empty.
	RateKey string
}

func (in Input) Request() decision.Request {
	return decision.Request{
		Principal:  in.Principal,
		Action:     in.Action,
		ResourceID: in.ResourceID,
		Context:    in.Context,
	}
}

func (in Input) rateKey() string {
	if in.RateKey != "" {
		return in.RateKey
	}
	return in.Principal.ID
}

type Result struct {
	Decision decision.Decision
	// Payload is the filtered payload; nil on every deny.
	Payload  map[string]any
	Outcome  audit.Outcome
	CacheHit bool
	// Cached reports whether this call stored its decision.
	Cached bool
	// RetryAfter is set on rate limit denials.
	RetryAfter time.Duration
	// Degraded is set when the rate limiter admitted without its backend.
	Degraded    bool
	Sensitivity decision.Sensitivity
	Trace       []Stage
	EventID     string
	Latency     time.Duration
}

func (r Result) Terminal() Stage {
	if len(r.Trace) == 0 {
		return ""
	}
	return r.Trace[len(r.Trace)-1]
}

type Options struct {
	Evaluator Evaluator
	Registry  ResourceRegistry
	// Cache defaults to a cache with default capacity and TTLs.
	Cache   *cache.Cache
	Limiter ratelimit.Limiter
	Filter  *filter.Filter
	Audit   audit.Emitter
	Keys    decision.KeyBuilder
	// SingleFlight makes concurrent misses for one key share an evaluation.
	SingleFlight     bool
	BatchConcurrency int
	Logger           *slog.Logger
	Now              func() time.Time
	Tracer           trace.Tracer
	// Observe sees every result after its audit event has been emitted.
	Observe func(Result)
}

type Pipeline struct {
	eval     Evaluator
	registry ResourceRegistry
	cache    *cache.Cache
	limiter  ratelimit.Limiter
	filter   *filter.Filter
	audit    audit.Emitter
	keys     decision.KeyBuilder
	flights  *singleflight.Group
	limit    int
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	observe  func(Result)
}

func New(opts Options) (*Pipeline, error) {
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("pipeline: evaluator required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("pipeline: resource registry required")
	}
	p := &Pipeline{
		eval:     opts.Evaluator,
		registry: opts.Registry,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		filter:   opts.Filter,
		audit:    opts.Audit,
		keys:     opts.Keys,
		limit:    opts.BatchConcurrency,
		logger:   opts.Logger,
		now:      opts.Now,
		tracer:   opts.Tracer,
		observe:  opts.Observe,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.now == nil {
		p.now = time.Now
	}
	if p.cache == nil {
		p.cache = cache.New(cache.Options{Now: p.now, Logger: p.logger})
	}
	if p.limiter == nil {
		p.limiter = ratelimit.Disabled{}
	}
	if p.filter == nil {
		p.filter = filter.New(nil, nil)
	}
	if p.audit == nil {
		p.audit = audit.Discard{}
	}
	if p.limit <= 0 {
		p.limit = DefaultBatchConcurrency
	}
	if p.tracer == nil {
		p.tracer = telemetry.Tracer("sark/pipeline")
	}
	if opts.SingleFlight {
		p.flights = &singleflight.Group{}
	}
	return p, nil
}

func (p *Pipeline) Cache() *cache.Cache { return p.cache }

// Authorize runs one request through the pipeline. Exactly one audit event
// is emitted per call, whatever the terminal state.
func (p *Pipeline) Authorize(ctx context.Context, in Input) Result {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Authorize", trace.WithAttributes(
		attribute.String("sark.principal_id", in.Principal.ID),
		attribute.String("sark.action", in.Action),
		attribute.String("sark.resource_id", in.ResourceID),
	))
	defer span.End()

	req := in.Request()
	res := p.run(ctx, in, req)
	res.Latency = p.now().Sub(start)

	ev := audit.NewEvent(req, res.Decision, res.Outcome, p.now())
	ev.CacheHit = res.CacheHit
	ev.Latency = res.Latency
	ev.Sensitivity = res.Sensitivity
	res.EventID = ev.ID
	p.audit.Emit(ev)

	span.SetAttributes(
		attribute.String("sark.outcome", string(res.Outcome)),
		attribute.String("sark.reason", res.Decision.Reason),
		attribute.Bool("sark.cache_hit", res.CacheHit),
		attribute.String("sark.terminal_stage", string(res.Terminal())),
	)
	if res.Outcome == audit.OutcomeDeniedError {
		span.SetStatus(codes.Error, res.Decision.Reason)
	}
	if p.observe != nil {
		p.observe(res)
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, in Input, req decision.Request) (res Result) {
	res.Trace = []Stage{StageAdmitted}
	res.Sensitivity = decision.Critical
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("authorization panicked, denying",
				"principal_id", req.Principal.ID, "action", req.Action, "resource_id", req.ResourceID, "panic", r)
			res.Decision = decision.EvaluationError(p.now())
			res.Payload = nil
			res.Outcome = audit.OutcomeDeniedError
			res.Trace = append(res.Trace, StageDeniedError)
		}
	}()

	admit := p.limiter.Admit(ctx, in.rateKey())
	res.Degraded = admit.Degraded
	if !admit.Allowed {
		res.Decision = decision.Deny(decision.ReasonRateLimited, p.now())
		res.Outcome = audit.OutcomeDeniedRateLimit
		res.RetryAfter = admit.RetryAfter
		res.Trace = append(res.Trace, StageDeniedRateLimit)
		return res
	}

	resource, err := p.registry.Lookup(ctx, in.ResourceID)
	if err != nil {
		p.logger.Warn("resource lookup failed, denying",
			"principal_id", req.Principal.ID, "resource_id", in.ResourceID, "error", err)
		res.Decision = decision.Deny(decision.ReasonLookupError, p.now())
		res.Outcome = audit.OutcomeDeniedError
		res.Trace = append(res.Trace, StageDeniedError)
		return res
	}
	res.Sensitivity = resource.Sensitivity

	res.Trace = append(res.Trace, StageCacheCheck)
	key, keyErr := p.keys.Build(req)
	if keyErr != nil {
		p.logger.Warn("decision key unavailable, bypassing cache", "principal_id", req.Principal.ID, "error", keyErr)
	} else if d, ok := p.cache.Get(key); ok {
		res.CacheHit = true
		res.Trace = append(res.Trace, StageHit)
		return p.finish(res, d, in, resource)
	}

	res.Trace = append(res.Trace, StageMiss, StageEvaluating)
	ev := p.evaluate(ctx, key, keyErr == nil, req, resource)
	if ev.Failed() {
		res.Decision = ev.Decision
		res.Outcome = audit.OutcomeDeniedError
		res.Trace = append(res.Trace, StageDeniedError)
		return res
	}

	res.Trace = append(res.Trace, StageCached)
	if keyErr == nil {
		res.Cached = p.cache.Put(key, ev.Decision, resource.Sensitivity)
	}
	return p.finish(res, ev.Decision, in, resource)
}

func (p *Pipeline) finish(res Result, d decision.Decision, in Input, resource decision.Resource) Result {
	res.Payload, res.Decision = p.filter.Apply(d, in.Principal.Role, resource.Sensitivity, in.Payload)
	res.Outcome = audit.OutcomeFor(res.Decision)
	res.Trace = append(res.Trace, StageFiltered, StageDone)
	return res
}

func (p *Pipeline) evaluate(ctx context.Context, key decision.Key, keyed bool, req decision.Request, res decision.Resource) policyeval.Evaluation {
	if p.flights == nil || !keyed {
		return p.eval.Evaluate(ctx, req, res)
	}
	// The shared call must not fail for every waiter because the first
	// caller went away.
	shared := context.WithoutCancel(ctx)
	v, _, _ := p.flights.Do(key.String(), func() (any, error) {
		return p.eval.Evaluate(shared, req, res), nil
	})
	return v.(policyeval.Evaluation)
}

// AuthorizeBatch authorizes inputs concurrently and returns results in
// input order. Each input is rate limited and audited on its own.
func (p *Pipeline) AuthorizeBatch(ctx context.Context, inputs []Input) []Result {
	out := make([]Result, len(inputs))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i := range inputs {
		g.Go(func() error {
			out[i] = p.Authorize(ctx, inputs[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Invalidate drops the cached decision for req, if any.
func (p *Pipeline) Invalidate(req decision.Request) error {
	key, err := p.keys.Build(req)
	if err != nil {
		return err
	}
	p.cache.Delete(key)
	return nil
}

// InvalidateAll clears every cached decision, for example after a policy
// version rollover.
func (p *Pipeline) InvalidateAll() {
	p.cache.Clear()
	p.logger.Info("decision cache cleared")
}
