package policyeval

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apathy-ca/sark-sub005/pkg/breaker"
	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

const (
	DefaultTimeout          = 2 * time.Second
	DefaultBatchConcurrency = 8
)

// Evaluation is the outcome of one evaluation. Decision is always usable:
// when Err is set it is the fail-closed evaluation_error deny.
type Evaluation struct {
	Decision decision.Decision
	Err      error
	Latency  time.Duration
}

// Failed reports whether the decision came from the fail-closed path.
// Such decisions must not be cached.
func (ev Evaluation) Failed() bool { return ev.Err != nil }

type Item struct {
	Request  decision.Request
	Resource decision.Resource
}

type Options struct {
	Backend Backend
	// Timeout bounds each evaluation including time spent in the breaker.
	Timeout time.Duration
	// Breaker is optional; remote backends should always have one.
	Breaker          *breaker.Breaker
	BatchConcurrency int
	Logger           *slog.Logger
	Now              func() time.Time
	Observe          func(backend string, took time.Duration, err error)
}

type Evaluator struct {
	backend Backend
	timeout time.Duration
	breaker *breaker.Breaker
	limit   int
	logger  *slog.Logger
	now     func() time.Time
	observe func(string, time.Duration, error)
}

func New(opts Options) (*Evaluator, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	e := &Evaluator{
		backend: opts.Backend,
		timeout: opts.Timeout,
		breaker: opts.Breaker,
		limit:   opts.BatchConcurrency,
		logger:  opts.Logger,
		now:     opts.Now,
		observe: opts.Observe,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.limit <= 0 {
		e.limit = DefaultBatchConcurrency
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Evaluator) Backend() Backend { return e.backend }

func (e *Evaluator) Breaker() *breaker.Breaker { return e.breaker }

// Evaluate asks the backend for a decision. It never retries and never
// returns an allow it did not receive from the backend.
func (e *Evaluator) Evaluate(ctx context.Context, req decision.Request, res decision.Resource) Evaluation {
	start := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.call(ctx, NewInput(req, res))
	took := e.now().Sub(start)
	if e.observe != nil {
		e.observe(e.backend.Name(), took, err)
	}
	if err != nil {
		e.logger.Warn("policy evaluation failed, denying",
			"component", "policyeval",
			"backend", e.backend.Name(),
			"principal_id", req.Principal.ID,
			"action", req.Action,
			"resource_id", req.ResourceID,
			"error", err,
		)
		return Evaluation{Decision: decision.EvaluationError(e.now()), Err: err, Latency: took}
	}
	d := decision.Decision{
		Allow:       out.Allow,
		Reason:      out.Reason,
		EvaluatedAt: e.now().UTC(),
		PolicyRef:   out.PolicyRef,
	}
	if d.Reason == "" {
		d.Reason = decision.ReasonPolicyDeny
		if d.Allow {
			d.Reason = decision.ReasonPolicyAllow
		}
	}
	return Evaluation{Decision: d, Latency: took}
}

func (e *Evaluator) call(ctx context.Context, in Input) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = Output{}, fmt.Errorf("policyeval: backend %s panicked: %v", e.backend.Name(), r)
		}
	}()
	if e.breaker == nil {
		return e.backend.Evaluate(ctx, in)
	}
	return breaker.Call(ctx, e.breaker, func(ctx context.Context) (Output, error) {
		return e.backend.Evaluate(ctx, in)
	})
}

// EvaluateBatch evaluates items concurrently and returns results in input
// order. A failing item yields its own error deny without affecting others.
func (e *Evaluator) EvaluateBatch(ctx context.Context, items []Item) []Evaluation {
	out := make([]Evaluation, len(items))
	var g errgroup.Group
	g.SetLimit(e.limit)
	for i := range items {
		g.Go(func() error {
			out[i] = e.Evaluate(ctx, items[i].Request, items[i].Resource)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type Config struct {
	// Backend is "cel" or "opa".
	Backend   string    `yaml:"backend"`
	RulesFile string    `yaml:"rules_file"`
	OPA       OPAConfig `yaml:"opa"`
	// BreakEmbedded also wraps the in-process backend in a breaker.
	BreakEmbedded bool `yaml:"break_embedded"`
}

// Deps carries the runtime collaborators NewFromConfig wires in.
type Deps struct {
	Timeout          time.Duration
	Breaker          breaker.Config
	BatchConcurrency int
	HTTPClient       *http.Client
	Logger           *slog.Logger
	Observe          func(backend string, took time.Duration, err error)
}

// NewFromConfig selects the backend at startup. When the embedded backend
// cannot be built and an OPA URL is configured, the remote backend is used
// instead; the choice is never revisited at runtime.
func NewFromConfig(cfg Config, deps Deps) (*Evaluator, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var (
		backend Backend
		remote  bool
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "cel":
		cb, err := newCELFromConfig(cfg)
		if err != nil {
			if strings.TrimSpace(cfg.OPA.URL) == "" {
				return nil, err
			}
			logger.Warn("embedded policy backend unavailable, falling back to opa", "error", err, "opa_url", cfg.OPA.URL)
			ob, oerr := NewOPABackend(cfg.OPA, deps.HTTPClient)
			if oerr != nil {
				return nil, fmt.Errorf("%v; opa fallback: %w", err, oerr)
			}
			backend, remote = ob, true
		} else {
			backend = cb
		}
	case "opa":
		ob, err := NewOPABackend(cfg.OPA, deps.HTTPClient)
		if err != nil {
			return nil, err
		}
		backend, remote = ob, true
	default:
		return nil, fmt.Errorf("policyeval: unknown backend %q", cfg.Backend)
	}

	var br *breaker.Breaker
	if remote || cfg.BreakEmbedded {
		bc := deps.Breaker
		if bc.Name == "" {
			bc.Name = "policy-" + backend.Name()
		}
		br = breaker.New(bc)
	}
	logger.Info("policy backend selected", "backend", backend.Name(), "breaker", br != nil)
	return New(Options{
		Backend:          backend,
		Timeout:          deps.Timeout,
		Breaker:          br,
		BatchConcurrency: deps.BatchConcurrency,
		Logger:           logger,
		Observe:          deps.Observe,
	})
}

func newCELFromConfig(cfg Config) (*CELBackend, error) {
	rs := DefaultRules()
	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		loaded, err := LoadRules(path)
		if err != nil {
			return nil, err
		}
		rs = loaded
	}
	return NewCELBackend(rs)
}
