// Package observability wires OpenTelemetry tracing and metrics for the
// substrate. When no OTLP endpoint is configured the provider runs in
// no-op mode so call sites never need to branch.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls the telemetry pipeline.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultConfig returns the provider defaults; telemetry stays disabled
// until an endpoint is set.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "substrate",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the tracer and meter providers plus the instrument set
// the substrate records against.
type Provider struct {
	cfg            Config
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	errorCount      metric.Int64Counter
	appendCount     metric.Int64Counter
	appendDuration  metric.Float64Histogram
	toolInvocations metric.Int64Counter
	activeStreams   metric.Int64UpDownCounter
}

// NewProvider builds the telemetry pipeline. With an empty OTLPEndpoint
// every instrument is a no-op and Shutdown does nothing.
func NewProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{cfg: cfg, logger: logger.With("component", "observability")}

	if cfg.OTLPEndpoint == "" {
		p.tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
		p.meter = otel.GetMeterProvider().Meter(cfg.ServiceName)
		if err := p.initInstruments(); err != nil {
			return nil, err
		}
		return p, nil
	}
	p.enabled = true

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMeterProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = p.tracerProvider.Tracer(cfg.ServiceName)
	p.meter = p.meterProvider.Meter(cfg.ServiceName)
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.Info("telemetry enabled", "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.cfg.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	return nil
}

func (p *Provider) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requestCount, err = p.meter.Int64Counter("substrate.requests.total",
		metric.WithDescription("API requests handled")); err != nil {
		return err
	}
	if p.requestDuration, err = p.meter.Float64Histogram("substrate.request.duration",
		metric.WithDescription("API request latency"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	if p.errorCount, err = p.meter.Int64Counter("substrate.errors.total",
		metric.WithDescription("Requests that resolved to an error")); err != nil {
		return err
	}
	if p.appendCount, err = p.meter.Int64Counter("substrate.events.appended.total",
		metric.WithDescription("Events committed to run logs")); err != nil {
		return err
	}
	if p.appendDuration, err = p.meter.Float64Histogram("substrate.append.duration",
		metric.WithDescription("Append transaction latency"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	if p.toolInvocations, err = p.meter.Int64Counter("substrate.tool.invocations.total",
		metric.WithDescription("Tool calls dispatched, by binding and status")); err != nil {
		return err
	}
	if p.activeStreams, err = p.meter.Int64UpDownCounter("substrate.streams.active",
		metric.WithDescription("Open SSE streams")); err != nil {
		return err
	}
	return nil
}

// Enabled reports whether an exporter pipeline is running.
func (p *Provider) Enabled() bool { return p.enabled }

// Tracer returns the service tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the service meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan opens a span on the service tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// RecordRequest counts one handled request.
func (p *Provider) RecordRequest(ctx context.Context, route, method string, status int) {
	p.requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", method),
		attribute.Int("status", status),
	))
	if status >= 500 {
		p.errorCount.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	}
}

// RecordRequestDuration records one request latency sample.
func (p *Provider) RecordRequestDuration(ctx context.Context, route string, d time.Duration) {
	p.requestDuration.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("route", route)))
}

// RecordAppend records one committed event.
func (p *Provider) RecordAppend(ctx context.Context, kind string, d time.Duration) {
	p.appendCount.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	p.appendDuration.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordToolInvocation counts one tool dispatch outcome.
func (p *Provider) RecordToolInvocation(ctx context.Context, binding, status string) {
	p.toolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("binding", binding),
		attribute.String("status", status),
	))
}

// StreamOpened marks an SSE stream open and returns its close func.
func (p *Provider) StreamOpened(ctx context.Context, kind string) func() {
	attrs := metric.WithAttributes(attribute.String("stream", kind))
	p.activeStreams.Add(ctx, 1, attrs)
	return func() { p.activeStreams.Add(context.Background(), -1, attrs) }
}

// TrackOperation opens a span around an operation and returns a completion
// func that closes it, recording the error if any.
func (p *Provider) TrackOperation(ctx context.Context, name string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
		span.End()
	}
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown meter provider: %w", err)
	}
	return firstErr
}
