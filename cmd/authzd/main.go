// Command authzd serves authorization decisions over HTTP. Requests pass
// through rate limiting, the decision cache, policy evaluation and field
// filtering, and every decision is written to the configured audit sinks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/apathy-ca/sark-sub005/pkg/config"
	"github.com/apathy-ca/sark-sub005/pkg/hardening"
	"github.com/apathy-ca/sark-sub005/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "authzd: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	var (
		configPath string
		listenAddr string
		logLevel   string
		checkOnly  bool
	)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("SARK_CONFIG"), "path to the YAML configuration file")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address, overrides listen_addr")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.BoolVar(&checkOnly, "check", false, "validate the configuration and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath, listenAddr, logLevel)
	if err != nil {
		return err
	}
	if checkOnly {
		_, err := fmt.Fprintln(stderr, "configuration ok")
		return err
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	return serve(ctx, cfg, logger, defaultDeps(), ln)
}

// loadConfig layers defaults, the optional file, SARK_* variables and
// flags, in that order, then validates the result.
func loadConfig(path, listenAddr, logLevel string) (config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(path) != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := hardening.ValidateProduction(cfg.Hardening(serviceName)); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// serve runs until ctx is done or the server fails, then drains in-flight
// requests and audit queues within the shutdown timeout.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, d deps, ln net.Listener) error {
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = telemetry.DefaultServiceName
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = cfg.Environment
	}
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	a, err := newApp(ctx, cfg, logger, d)
	if err != nil {
		_ = ln.Close()
		return err
	}
	a.start(ctx)

	srv := a.server()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("authzd listening",
		"addr", ln.Addr().String(),
		"environment", cfg.Environment,
		"policy_backend", a.evaluator.Backend().Name(),
		"policy_version", a.policyVersion(),
		"rate_limit_backend", cfg.RateLimitBackend,
		"audit_sinks", cfg.Audit.Sinks,
	)

	var errs []error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
