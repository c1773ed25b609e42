package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark-sub005/pkg/audit"
	"github.com/apathy-ca/sark-sub005/pkg/auth"
	"github.com/apathy-ca/sark-sub005/pkg/breaker"
	"github.com/apathy-ca/sark-sub005/pkg/cache"
	"github.com/apathy-ca/sark-sub005/pkg/config"
	"github.com/apathy-ca/sark-sub005/pkg/decision"
	"github.com/apathy-ca/sark-sub005/pkg/metrics"
	"github.com/apathy-ca/sark-sub005/pkg/pipeline"
	"github.com/apathy-ca/sark-sub005/pkg/policyeval"
	"github.com/apathy-ca/sark-sub005/pkg/ratelimit"
	"github.com/apathy-ca/sark-sub005/pkg/statebus"
	"github.com/apathy-ca/sark-sub005/pkg/store"
	"github.com/apathy-ca/sark-sub005/pkg/stream"
	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

// deps are the outside-world constructors; tests replace them.
type deps struct {
	openRedis    func(ctx context.Context, cfg store.RedisConfig) (*redis.Client, error)
	openPostgres func(ctx context.Context, cfg store.PostgresConfig) (*pgxpool.Pool, error)
	newKafkaSink func(cfg audit.KafkaConfig) (*audit.KafkaSink, error)
	newConsumer  func(cfg statebus.KafkaConfig, logger *slog.Logger) (statebus.Consumer, error)
	httpClient   *http.Client
}

func defaultDeps() deps {
	return deps{
		openRedis:    store.NewRedis,
		openPostgres: store.NewPostgresPool,
		newKafkaSink: audit.NewKafkaSink,
		newConsumer: func(cfg statebus.KafkaConfig, logger *slog.Logger) (statebus.Consumer, error) {
			return statebus.NewKafkaConsumer(cfg, logger)
		},
	}
}

type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Registry
	hub       *stream.Hub
	pipeline  *pipeline.Pipeline
	evaluator *policyeval.Evaluator
	registry  *pipeline.StaticRegistry
	auth      *auth.Authenticator

	janitors    map[string]*cache.Janitor
	dispatchers []*audit.Dispatcher
	breakers    []*breaker.Breaker
	auditStore  *audit.PostgresSink
	rollover    *statebus.Rollover

	closers   []func() error
	startOnce sync.Once
	bg        sync.WaitGroup
	cancelBg  context.CancelFunc
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, d deps) (a *app, err error) {
	a = &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewRegistry(),
		hub:      stream.NewHub(),
		janitors: map[string]*cache.Janitor{},
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	ttl, err := cfg.TTLTable()
	if err != nil {
		return nil, err
	}
	resources, err := cfg.ResourceList()
	if err != nil {
		return nil, err
	}
	a.registry = pipeline.NewStaticRegistry(resources...)

	decisions := cache.New(cache.Options{
		MaxEntries: cfg.MaxCacheEntries,
		Shards:     cfg.CacheShards,
		TTL:        ttl,
		Logger:     logger,
	})
	a.janitors["decision_cache"] = cache.NewJanitor(decisions, cfg.JanitorInterval,
		cache.WithJanitorLogger(logger.With("janitor", "decision_cache")),
		cache.WithSweepHook(func(removed int, took time.Duration) {
			a.metrics.ObserveSweep("decision_cache", removed, took)
		}),
	)
	a.registerCacheGauges(decisions)

	limiter, err := a.buildLimiter(ctx, d)
	if err != nil {
		return nil, err
	}

	httpClient := d.httpClient
	if httpClient == nil {
		httpClient = telemetry.InstrumentClient(&http.Client{}, cfg.EvaluatorTimeout)
	}
	a.evaluator, err = policyeval.NewFromConfig(cfg.Policy, policyeval.Deps{
		Timeout:          cfg.EvaluatorTimeout,
		Breaker:          a.breakerConfig(""),
		BatchConcurrency: cfg.BatchConcurrency,
		HTTPClient:       httpClient,
		Logger:           logger,
		Observe:          a.metrics.ObserveEvaluation,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluator: %w", err)
	}
	if br := a.evaluator.Breaker(); br != nil {
		a.trackBreaker(br)
	}

	authClient := d.httpClient
	if authClient == nil {
		authClient = telemetry.InstrumentClient(&http.Client{}, cfg.Auth.Timeout)
	}
	a.auth, err = auth.New(cfg.Auth, authClient, logger.With("component", "auth"))
	if err != nil {
		return nil, fmt.Errorf("caller auth: %w", err)
	}

	emitter, err := a.buildAudit(ctx, d)
	if err != nil {
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Evaluator:        a.evaluator,
		Registry:         a.registry,
		Cache:            decisions,
		Limiter:          limiter,
		Filter:           cfg.Filter(),
		Audit:            emitter,
		Keys:             decision.NewKeyBuilder(cfg.KeyContextFields),
		SingleFlight:     cfg.SingleFlight,
		BatchConcurrency: cfg.BatchConcurrency,
		Logger:           logger,
		Observe:          a.observe,
	})
	if err != nil {
		return nil, err
	}

	if len(cfg.PolicyControl.Brokers) > 0 {
		consumer, err := d.newConsumer(cfg.PolicyControl, logger)
		if err != nil {
			return nil, fmt.Errorf("policy control consumer: %w", err)
		}
		a.closers = append(a.closers, consumer.Close)
		a.rollover = statebus.NewRollover(consumer, statebus.RolloverOptions{
			Initial:    a.policyVersion(),
			OnRollover: a.onRollover,
			Logger:     logger,
		})
	}
	a.metrics.SetGaugeFunc("stream_subscribers", func() float64 { return float64(a.hub.Subscribers()) })
	return a, nil
}

func (a *app) breakerConfig(name string) breaker.Config {
	bc := a.cfg.Breaker(name)
	bc.OnStateChange = func(name string, from, to breaker.State) {
		a.metrics.BreakerTransition(name, from.String(), to.String())
		a.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	return bc
}

func (a *app) trackBreaker(br *breaker.Breaker) {
	a.breakers = append(a.breakers, br)
	a.metrics.SetBreakerState(br.Name(), br.State().String())
}

func (a *app) registerCacheGauges(c *cache.Cache) {
	stat := func(f func(cache.Stats) float64) func() float64 {
		return func() float64 { return f(c.Stats()) }
	}
	a.metrics.SetGaugeFunc("cache_size", stat(func(s cache.Stats) float64 { return float64(s.Size) }))
	a.metrics.SetGaugeFunc("cache_capacity", stat(func(s cache.Stats) float64 { return float64(s.Capacity) }))
	a.metrics.SetGaugeFunc("cache_hits", stat(func(s cache.Stats) float64 { return float64(s.Hits) }))
	a.metrics.SetGaugeFunc("cache_misses", stat(func(s cache.Stats) float64 { return float64(s.Misses) }))
	a.metrics.SetGaugeFunc("cache_hit_rate", stat(cache.Stats.HitRate))
	a.metrics.SetGaugeFunc("cache_evictions", stat(func(s cache.Stats) float64 { return float64(s.Evictions) }))
	a.metrics.SetGaugeFunc("cache_expirations", stat(func(s cache.Stats) float64 { return float64(s.Expirations) }))
}

func (a *app) buildLimiter(ctx context.Context, d deps) (ratelimit.Limiter, error) {
	cfg := a.cfg
	if cfg.RateLimitPerIdentifier <= 0 {
		a.logger.Info("rate limiting disabled")
		return ratelimit.Disabled{}, nil
	}
	local := ratelimit.NewTokenBucket(cfg.RateLimitPerIdentifier, cfg.RateLimitBurst,
		ratelimit.WithIdleTimeout(cfg.RateLimitIdleTimeout))
	a.janitors["rate_limiter"] = cache.NewJanitor(local, cfg.JanitorInterval,
		cache.WithJanitorLogger(a.logger.With("janitor", "rate_limiter")),
		cache.WithSweepHook(func(removed int, took time.Duration) {
			a.metrics.ObserveSweep("rate_limiter", removed, took)
		}),
	)
	if cfg.RateLimitBackend != config.RateLimitRedis {
		return local, nil
	}
	client, err := d.openRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	rl := ratelimit.NewRedis(client, cfg.RateLimitPerIdentifier, cfg.RateLimitBurst)
	rl.IdleTTL = cfg.RateLimitIdleTimeout
	rl.Fallback = local
	rl.Logger = a.logger
	return rl, nil
}

// buildAudit runs one dispatcher per sink so a slow or failing sink never
// holds back the others.
func (a *app) buildAudit(ctx context.Context, d deps) (audit.Emitter, error) {
	cfg := a.cfg
	var sinks []audit.Sink
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, audit.LogSink{Logger: a.logger})
		case config.SinkHub:
			sinks = append(sinks, audit.HubSink{Hub: a.hub})
		case config.SinkPostgres:
			pool, err := d.openPostgres(ctx, cfg.Postgres)
			if err != nil {
				return nil, fmt.Errorf("postgres: %w", err)
			}
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
			a.auditStore = &audit.PostgresSink{DB: pool, HashSalt: []byte(cfg.Audit.HashSalt), Redact: cfg.Audit.Redact}
			sinks = append(sinks, a.auditStore)
		case config.SinkKafka:
			ks, err := d.newKafkaSink(cfg.Audit.Kafka)
			if err != nil {
				return nil, fmt.Errorf("kafka audit sink: %w", err)
			}
			a.closers = append(a.closers, ks.Close)
			sinks = append(sinks, ks)
		default:
			return nil, fmt.Errorf("unknown audit sink %q", name)
		}
	}
	if len(sinks) == 0 {
		a.logger.Warn("no audit sinks configured, decisions are not recorded")
		return audit.Discard{}, nil
	}
	fan := make(audit.Fanout, 0, len(sinks))
	for _, sink := range sinks {
		bc := a.breakerConfig("audit-" + sink.Name())
		bc.Timeout = cfg.Audit.WriteTimeout
		br := breaker.New(bc)
		a.trackBreaker(br)
		disp := audit.NewDispatcher(sink, audit.DispatcherOptions{
			QueueSize:     cfg.Audit.QueueSize,
			Workers:       cfg.Audit.Workers,
			RetryCapacity: cfg.Audit.RetryCapacity,
			MaxAttempts:   cfg.Audit.MaxAttempts,
			FlushInterval: cfg.Audit.FlushInterval,
			Breaker:       br,
			Logger:        a.logger,
			OnDelivered:   a.metrics.AuditDelivered,
			OnDropped:     a.metrics.AuditDropped,
			OnFailed:      a.metrics.AuditFailed,
		})
		a.dispatchers = append(a.dispatchers, disp)
		name := sink.Name()
		a.metrics.SetGaugeFunc("audit_queued_"+name, func() float64 { return float64(disp.Stats().Queued) })
		a.metrics.SetGaugeFunc("audit_retrying_"+name, func() float64 { return float64(disp.Stats().Retrying) })
		fan = append(fan, disp)
	}
	return fan, nil
}

func (a *app) observe(r pipeline.Result) {
	a.metrics.ObserveDecision(string(r.Outcome), r.Decision.Reason, r.Latency)
	switch {
	case r.Outcome == audit.OutcomeDeniedRateLimit:
		a.metrics.IncRateLimit("denied")
	case r.Degraded:
		a.metrics.IncRateLimit("degraded")
	default:
		a.metrics.IncRateLimit("admitted")
	}
}

func (a *app) policyVersion() string {
	if v, ok := a.evaluator.Backend().(interface{ Version() string }); ok {
		return v.Version()
	}
	return a.cfg.Policy.OPA.PolicyVersion
}

func (a *app) onRollover(previous, current string) {
	a.pipeline.InvalidateAll()
	a.hub.Publish(stream.NewEvent(stream.TypePolicyRollover, map[string]string{
		"previous": previous,
		"current":  current,
	}))
}

// start launches the janitors and the policy control consumer.
func (a *app) start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancelBg = context.WithCancel(ctx)
		for _, j := range a.janitors {
			j.Start(ctx)
		}
		if a.rollover != nil {
			a.bg.Add(1)
			go func() {
				defer a.bg.Done()
				if err := a.rollover.Run(ctx); err != nil {
					a.logger.Error("policy control consumer stopped", "error", err)
				}
			}()
		}
	})
}

// shutdown stops background work, drains the audit queues and releases
// clients. Undelivered audit events are reported in the returned error.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	for name, j := range a.janitors {
		if err := j.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("janitor %s: %w", name, err))
		}
	}
	if a.cancelBg != nil {
		a.cancelBg()
	}
	a.bg.Wait()
	for _, d := range a.dispatchers {
		if err := d.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.hub.Close()
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *app) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
