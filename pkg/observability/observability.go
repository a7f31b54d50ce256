// Package observability provides OpenTelemetry tracing and RED metrics for
// the trading engine.
//
// Spans and metrics go to an OTLP collector over gRPC. When telemetry is
// disabled every recording method is a no-op, so callers never check.
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

const instrumentationName = "p2p-energy-trading.engine"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // Plaintext gRPC (dev only)
}

// DefaultConfig returns disabled telemetry with local collector defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "energy-node",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers. A disabled
// Provider still hands out no-op spans from the global tracer.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger
	m              *instruments
}

// instruments holds the RED set for flow operations plus the market
// counters: blocks claimed, energy settled and signature verdicts.
type instruments struct {
	requests   metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
	claimed    metric.Int64Counter
	delivered  metric.Int64Counter
	shortfall  metric.Int64Counter
	trustScore metric.Float64Histogram
	signatures metric.Int64Counter
}

// New creates a new observability provider.
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
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.m, err = newInstruments(meter); err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

// NewWithMeter builds a Provider that records into meter without exporting
// traces. Tests pair it with a manual reader.
func NewWithMeter(meter metric.Meter) (*Provider, error) {
	m, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}
	return &Provider{config: DefaultConfig(), logger: slog.Default().With("component", "observability"), m: m}, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
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
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
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
		return fmt.Errorf("metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	m := &instruments{}
	var err error
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err == nil {
			*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		}
	}

	counter(&m.requests, "energy.operations.total", "Flow operations started", "{operation}")
	counter(&m.errors, "energy.errors.total", "Flow operations that failed", "{error}")
	counter(&m.claimed, "energy.blocks.claimed", "Blocks reserved by select", "{block}")
	counter(&m.delivered, "energy.delivered", "Energy reported delivered against active orders", "kWh")
	counter(&m.shortfall, "energy.shortfall", "Contracted energy that was not delivered", "kWh")
	counter(&m.signatures, "energy.signatures.total", "Inbound signature verdicts", "{message}")
	if err != nil {
		return nil, err
	}

	if m.duration, err = meter.Float64Histogram("energy.operation.duration",
		metric.WithDescription("Flow operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		return nil, err
	}
	if m.trustScore, err = meter.Float64Histogram("energy.provider.trust_score",
		metric.WithDescription("Seller trust score after each settlement"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("energy.operations.active",
		metric.WithDescription("In-flight flow operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p == nil || p.m == nil {
		return
	}
	p.m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p == nil || p.m == nil {
		return
	}
	all := append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.m.errors.Add(ctx, 1, metric.WithAttributes(all...))
}

func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p == nil || p.m == nil {
		return
	}
	p.m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordClaim counts blocks reserved for an offer.
func (p *Provider) RecordClaim(ctx context.Context, offerID string, blocks int) {
	if p == nil || p.m == nil || blocks == 0 {
		return
	}
	p.m.claimed.Add(ctx, int64(blocks), metric.WithAttributes(AttrOfferID.String(offerID)))
}

// RecordDelivery counts settled energy for a seller. Over-delivery is
// credited up to the contracted quantity only.
func (p *Provider) RecordDelivery(ctx context.Context, providerID string, delivered, expected int, trustScore float64) {
	if p == nil || p.m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrProviderID.String(providerID))
	p.m.delivered.Add(ctx, int64(min(delivered, expected)), attrs)
	if delivered < expected {
		p.m.shortfall.Add(ctx, int64(expected-delivered), attrs)
	}
	p.m.trustScore.Record(ctx, trustScore, attrs)
}

// RecordSignature counts one inbound verification verdict, such as
// "verified", "unsigned" or a rejection code.
func (p *Provider) RecordSignature(ctx context.Context, result string) {
	if p == nil || p.m == nil {
		return
	}
	p.m.signatures.Add(ctx, 1, metric.WithAttributes(AttrSignatureResult.String(result)))
}

// TrackOperation tracks an operation from start to finish.
// Returns a function that should be called when the operation completes.
// A nil Provider tracks nothing.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opAttrs := append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)

	if p.m != nil {
		p.m.active.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	}
	p.RecordRequest(ctx, opAttrs...)

	return ctx, func(err error) {
		if p.m != nil {
			p.m.active.Add(ctx, -1, metric.WithAttributes(opAttrs...))
		}
		p.RecordDuration(ctx, time.Since(start), opAttrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, opAttrs...)
		}
		span.End()
	}
}
