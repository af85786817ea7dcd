// Package observability wires OpenTelemetry tracing and metrics for
// the engine. Disabled by default: with no OTLP endpoint configured
// every recording call is a no-op and nothing dials out.
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
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

const instrumentationName = "loopgate"

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig keeps telemetry off until explicitly enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "loopgate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers plus the engine's
// domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	iterationsStarted metric.Int64Counter
	oracleRuns        metric.Int64Counter
	verdicts          metric.Int64Counter
	stopTriggers      metric.Int64Counter
	integrityRaised   metric.Int64Counter
	gateDuration      metric.Float64Histogram
}

// New builds a Provider. With Enabled=false no exporter is created
// and every instrument call is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, fmt.Errorf("init traces: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName, "endpoint", config.OTLPEndpoint, "sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
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

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.iterationsStarted, err = p.meter.Int64Counter("loopgate.iterations.started",
		metric.WithDescription("Iterations started"), metric.WithUnit("{iteration}")); err != nil {
		return err
	}
	if p.oracleRuns, err = p.meter.Int64Counter("loopgate.oracle.runs",
		metric.WithDescription("Oracle suite runs executed"), metric.WithUnit("{run}")); err != nil {
		return err
	}
	if p.verdicts, err = p.meter.Int64Counter("loopgate.gate.verdicts",
		metric.WithDescription("Gate verdicts by status"), metric.WithUnit("{verdict}")); err != nil {
		return err
	}
	if p.stopTriggers, err = p.meter.Int64Counter("loopgate.governor.stop_triggers",
		metric.WithDescription("Stop triggers fired"), metric.WithUnit("{trigger}")); err != nil {
		return err
	}
	if p.integrityRaised, err = p.meter.Int64Counter("loopgate.integrity.conditions",
		metric.WithDescription("Integrity conditions raised"), metric.WithUnit("{condition}")); err != nil {
		return err
	}
	if p.gateDuration, err = p.meter.Float64Histogram("loopgate.gate.duration",
		metric.WithDescription("Gate evaluation duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0)); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan opens a span on the engine tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// IterationStarted counts an iteration start for a loop.
func (p *Provider) IterationStarted(ctx context.Context, loopID string) {
	if p.iterationsStarted != nil {
		p.iterationsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("loop_id", loopID)))
	}
}

// OracleRun counts a completed oracle suite run.
func (p *Provider) OracleRun(ctx context.Context, suiteID string, conditions int) {
	if p.oracleRuns != nil {
		p.oracleRuns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("suite_id", suiteID),
			attribute.Bool("clean", conditions == 0)))
	}
}

// Verdict counts a gate verdict and records the evaluation duration.
func (p *Provider) Verdict(ctx context.Context, status contracts.VerdictStatus, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if p.verdicts != nil {
		p.verdicts.Add(ctx, 1, attrs)
	}
	if p.gateDuration != nil {
		p.gateDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// StopTriggered counts a fired stop trigger.
func (p *Provider) StopTriggered(ctx context.Context, trigger contracts.StopTrigger) {
	if p.stopTriggers != nil {
		p.stopTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger))))
	}
}

// IntegrityRaised counts a raised integrity condition.
func (p *Provider) IntegrityRaised(ctx context.Context, code contracts.IntegrityCode) {
	if p.integrityRaised != nil {
		p.integrityRaised.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
	}
}
