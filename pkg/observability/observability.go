// Package observability configures the OpenTelemetry tracing provider.
// Metrics stay on the Prometheus registry in pkg/metrics; this package
// only wires spans. Components obtain tracers through the global
// provider (otel.Tracer), so a disabled provider costs nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/peyvand-edu/sabt-core/pkg/obslog"
)

// Config configures the tracing provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's gRPC address, e.g. "localhost:4317".
	// Empty leaves tracing off.
	OTLPEndpoint string
	// SampleRate from 0.0 to 1.0; out-of-range values clamp.
	SampleRate float64
	// BatchTimeout bounds how long finished spans wait before export.
	BatchTimeout time.Duration
	// Insecure skips TLS toward the collector (dev only).
	Insecure bool
}

// DefaultConfig samples everything and batches every five seconds.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sabt-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger
}

// New builds the provider and, when an endpoint is configured, installs
// it as the global tracer provider. Without an endpoint the returned
// provider is inert and Shutdown is a no-op.
func New(ctx context.Context, config *Config, log *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: obslog.Named(log, "observability"),
	}

	if config.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "tracing disabled, no collector endpoint configured")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("sabt.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}

	p.tracer = otel.Tracer("sabt.core",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)

	p.logger.InfoContext(ctx, "tracing initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(batchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// Enabled reports whether spans actually leave the process.
func (p *Provider) Enabled() bool { return p.tracerProvider != nil }

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err.Error())
		return err
	}
	return nil
}

// Tracer returns the configured tracer; the global no-op one when
// tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("sabt.core")
	}
	return p.tracer
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}
