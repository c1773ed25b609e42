// Command opa-mock answers the OPA data API with the embedded CEL rules so
// authzd can be run against its remote policy backend without a real OPA
// deployment. It can also inject latency and failures to exercise the
// evaluator's timeout and circuit breaker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
	"github.com/apathy-ca/sark-sub005/pkg/httpx"
	"github.com/apathy-ca/sark-sub005/pkg/policyeval"
	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

const serviceName = "opa-mock"

type options struct {
	listen     string
	rulesFile  string
	policyPath string
	token      string
	delay      time.Duration
	failEvery  int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	var o options
	flagSet.StringVar(&o.listen, "listen", ":8181", "listen address")
	flagSet.StringVar(&o.rulesFile, "rules", "", "CEL rules file; the built-in rules when empty")
	flagSet.StringVar(&o.policyPath, "policy-path", policyeval.DefaultOPAPolicyPath, "data API path to answer on")
	flagSet.StringVar(&o.token, "token", os.Getenv("OPA_MOCK_TOKEN"), "bearer token required from callers")
	flagSet.DurationVar(&o.delay, "delay", 0, "latency added to every decision")
	flagSet.IntVar(&o.failEvery, "fail-every", 0, "answer every Nth decision with a 500")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	h, err := newHandler(o, logger)
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Init(ctx, telemetry.FromEnv(telemetry.Config{ServiceName: serviceName}), logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	server := &http.Server{
		Addr:              o.listen,
		Handler:           h.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("opa-mock listening", "addr", o.listen, "policy_path", h.path, "rules_version", h.backend.Version())
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type handler struct {
	backend   *policyeval.CELBackend
	path      string
	token     string
	delay     time.Duration
	failEvery int64
	logger    *slog.Logger
	calls     atomic.Int64
}

func newHandler(o options, logger *slog.Logger) (*handler, error) {
	rules := policyeval.DefaultRules()
	if strings.TrimSpace(o.rulesFile) != "" {
		loaded, err := policyeval.LoadRules(o.rulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	backend, err := policyeval.NewCELBackend(rules)
	if err != nil {
		return nil, err
	}
	path := "/" + strings.TrimLeft(strings.TrimSpace(o.policyPath), "/")
	if path == "/" {
		path = policyeval.DefaultOPAPolicyPath
	}
	return &handler{
		backend:   backend,
		path:      path,
		token:     o.token,
		delay:     o.delay,
		failEvery: int64(o.failEvery),
		logger:    logger,
	}, nil
}

func (h *handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Post(h.path, h.decide)
	return r
}

type opaInput struct {
	Principal decision.Principal `json:"principal"`
	Action    string             `json:"action"`
	Resource  struct {
		ID          string `json:"id"`
		OwnerTeam   string `json:"owner_team"`
		Sensitivity string `json:"sensitivity"`
		// Level is derived from Sensitivity and ignored.
		Level int `json:"sensitivity_level"`
	} `json:"resource"`
	Context map[string]any `json:"context"`
}

func (in opaInput) toInput() (policyeval.Input, error) {
	s, err := decision.ParseSensitivity(in.Resource.Sensitivity)
	if err != nil {
		return policyeval.Input{}, err
	}
	return policyeval.Input{
		Principal: in.Principal,
		Action:    in.Action,
		Resource:  decision.Resource{ID: in.Resource.ID, OwnerTeam: in.Resource.OwnerTeam, Sensitivity: s},
		Context:   in.Context,
	}, nil
}

func (h *handler) decide(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	n := h.calls.Add(1)
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-r.Context().Done():
			return
		}
	}
	if h.failEvery > 0 && n%h.failEvery == 0 {
		httpx.Error(w, http.StatusInternalServerError, "injected failure")
		return
	}
	var body struct {
		Input opaInput `json:"input"`
	}
	if err := httpx.DecodeJSON(r, 1<<20, &body); err != nil {
		httpx.WriteDecodeError(w, err)
		return
	}
	in, err := body.Input.toInput()
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.backend.Evaluate(r.Context(), in)
	if err != nil {
		h.logger.Warn("rule evaluation failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{"allow": out.Allow, "reason": out.Reason},
	})
}
