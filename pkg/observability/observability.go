// Package observability wires OpenTelemetry tracing and metrics for the
// turn engine: turn throughput, halts by invariant, correction cost, and
// outbox escalations.
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
)

// Config configures the OpenTelemetry providers.
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

// DefaultConfig returns local-dev defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the engine's own
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	turnCounter       metric.Int64Counter
	haltCounter       metric.Int64Counter
	correctionCounter metric.Int64Counter
	correctionCost    metric.Float64Histogram
	escalationCounter metric.Int64Counter
}

// New initializes providers and registers them globally. With Enabled
// false, the provider is inert and all record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.tracer = otel.Tracer("keel.engine",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("keel.engine",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
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

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.turnCounter, err = p.meter.Int64Counter("keel.turns.total",
		metric.WithDescription("Turns run, by final state"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return err
	}
	p.haltCounter, err = p.meter.Int64Counter("keel.halts.total",
		metric.WithDescription("Halts committed, by invariant and stage"),
		metric.WithUnit("{halt}"))
	if err != nil {
		return err
	}
	p.correctionCounter, err = p.meter.Int64Counter("keel.corrections.total",
		metric.WithDescription("Prediction corrections recorded"),
		metric.WithUnit("{correction}"))
	if err != nil {
		return err
	}
	p.correctionCost, err = p.meter.Float64Histogram("keel.correction.absolute_error",
		metric.WithDescription("Absolute error per correction"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return err
	}
	p.escalationCounter, err = p.meter.Int64Counter("keel.escalations.total",
		metric.WithDescription("Outbox escalations raised"),
		metric.WithUnit("{request}"))
	return err
}

// StartTurn opens a span for one turn. Safe on a nil provider.
func (p *Provider) StartTurn(ctx context.Context, episodeID string, turnIndex int) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, "keel.turn",
		trace.WithAttributes(
			attribute.String("keel.episode_id", episodeID),
			attribute.Int("keel.turn_index", turnIndex),
		))
}

// RecordTurn counts one finished turn.
func (p *Provider) RecordTurn(ctx context.Context, state string) {
	if p == nil || p.turnCounter == nil {
		return
	}
	p.turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("keel.turn_state", state)))
}

// RecordHalt counts one committed halt.
func (p *Provider) RecordHalt(ctx context.Context, invariantID, stage string) {
	if p == nil || p.haltCounter == nil {
		return
	}
	p.haltCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("keel.invariant_id", invariantID),
		attribute.String("keel.stage", stage),
	))
}

// RecordCorrection counts one correction and its cost.
func (p *Provider) RecordCorrection(ctx context.Context, root string, absoluteError float64) {
	if p == nil || p.correctionCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("keel.correction_root", root))
	p.correctionCounter.Add(ctx, 1, attrs)
	p.correctionCost.Record(ctx, absoluteError, attrs)
}

// RecordEscalation counts one outbox escalation.
func (p *Provider) RecordEscalation(ctx context.Context, phase string) {
	if p == nil || p.escalationCounter == nil {
		return
	}
	p.escalationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("keel.phase", phase)))
}

// Shutdown flushes and stops both providers. Safe on a nil provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var first error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
