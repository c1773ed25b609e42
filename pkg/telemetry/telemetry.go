// Package telemetry wires OpenTelemetry tracing for the sark binaries:
// an OTLP/HTTP exporter when an endpoint is configured, an in-process
// provider otherwise, plus helpers for inbound and outbound HTTP.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	DefaultServiceName = "sark"
	defaultTimeout     = 5 * time.Second
)

type Config struct {
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	Insecure    bool              `yaml:"insecure"`
	// Required makes exporter setup failures fatal instead of falling back
	// to an in-process provider.
	Required   bool   `yaml:"required"`
	Disabled   bool   `yaml:"disabled"`
	Sampler    string `yaml:"sampler"`
	SamplerArg string `yaml:"sampler_arg"`
}

// FromEnv reads the standard OTEL_* variables over base. Booleans follow
// strconv.ParseBool; anything else leaves the base value.
func FromEnv(base Config) Config {
	cfg := base
	cfg.ServiceName = envString("OTEL_SERVICE_NAME", cfg.ServiceName)
	cfg.Endpoint = envString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Endpoint)
	if h := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(h) > 0 {
		cfg.Headers = h
	}
	if sec, err := strconv.Atoi(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC"))); err == nil && sec > 0 {
		cfg.Timeout = time.Duration(sec) * time.Second
	}
	cfg.Insecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Insecure)
	cfg.Required = envBool("OTEL_REQUIRED", cfg.Required)
	cfg.Disabled = envBool("OTEL_SDK_DISABLED", cfg.Disabled)
	cfg.Sampler = envString("OTEL_TRACES_SAMPLER", cfg.Sampler)
	cfg.SamplerArg = envString("OTEL_TRACES_SAMPLER_ARG", cfg.SamplerArg)
	return cfg
}

// Init installs the global tracer provider and propagators and returns the
// provider's shutdown. A disabled config installs nothing.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Disabled {
		return func(context.Context) error { return nil }, nil
	}
	opts := []trace.TracerProviderOption{
		trace.WithResource(serviceResource(cfg)),
		trace.WithSampler(parseSampler(cfg.Sampler, cfg.SamplerArg)),
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporter, err := newExporter(ctx, endpoint, cfg)
		switch {
		case err == nil:
			opts = append(opts, trace.WithBatcher(exporter))
		case cfg.Required:
			return nil, err
		default:
			logger.Warn("otel exporter disabled", "endpoint", endpoint, "error", err)
		}
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string, cfg Config) (*otlptrace.Exporter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func serviceResource(cfg Config) *resource.Resource {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	kvs := []attribute.KeyValue{semconv.ServiceName(name)}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		kvs = append(kvs, semconv.DeploymentEnvironment(env))
	}
	attrs := resource.NewWithAttributes(semconv.SchemaURL, kvs...)
	merged, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		// Schema URL conflicts keep our attributes over the SDK defaults.
		return attrs
	}
	return merged
}

// Tracer returns a tracer from the global provider.
func Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}

// parseSampler accepts the OTEL_TRACES_SAMPLER names. Unknown names fall
// back to parent-based ratio sampling; the ratio is clamped to [0, 1].
func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	case "parentbased_always_on":
		return trace.ParentBased(trace.AlwaysSample())
	case "parentbased_always_off":
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = DefaultServiceName
	}
	return otelhttp.NewMiddleware(operation)
}

// InstrumentClient wraps client's transport so outbound calls to policy
// backends and key servers carry trace context. A nil client gets a new one
// with timeout.
func InstrumentClient(client *http.Client, timeout time.Duration) *http.Client {
	if client == nil {
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders reads the k=v,k=v form of OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return b
	}
	return def
}
