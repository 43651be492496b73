// Package observability traces and meters treasury operations with
// OpenTelemetry.
//
// Every service operation runs inside TrackOperation, which opens a span and
// records the RED counters (operations, errors by kind, duration). Committed
// transfers are counted separately by RecordTransfer.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "helm.treasury"
	exportInterval      = 15 * time.Second
	spanBatchTimeout    = 5 * time.Second
)

// Config configures telemetry export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC collector, e.g. "localhost:4317"
	SampleRate     float64 // fraction of traces kept
	Enabled        bool
	Insecure       bool // plaintext gRPC, development only

	// MetricReader replaces the OTLP metric exporter when set.
	MetricReader sdkmetric.Reader
	// ErrorKind classifies errors for the error counter.
	ErrorKind func(error) string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-treasury",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        true,
	}
}

// instruments are the meters every operation reports to.
type instruments struct {
	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
	transfers  metric.Int64Counter
	moved      metric.Int64Counter
}

// Provider owns the trace and metric pipelines. A disabled Provider is a
// no-op that still hands out valid spans.
type Provider struct {
	config *Config
	logger *slog.Logger

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	tracer  trace.Tracer
	inst    *instruments
}

// New builds a Provider. With Enabled set it needs either an OTLP endpoint
// or a MetricReader.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		tracer: otel.Tracer(instrumentationName),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironmentName(config.Environment),
		attribute.String("helm.component", "treasury"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if config.OTLPEndpoint != "" {
		if err := p.exportTraces(ctx, res); err != nil {
			return nil, err
		}
	}
	if err := p.exportMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.inst, err = newInstruments(p.metrics.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion)))
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) exportTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(p.config.SampleRate)
	if p.config.SampleRate >= 1 {
		sampler = sdktrace.AlwaysSample()
	}
	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(spanBatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.tracer = p.traces.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	return nil
}

func (p *Provider) exportMetrics(ctx context.Context, res *resource.Resource) error {
	// Injected readers stay local to this provider.
	if reader := p.config.MetricReader; reader != nil {
		p.metrics = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		return nil
	}
	if p.config.OTLPEndpoint == "" {
		return fmt.Errorf("no OTLP endpoint and no metric reader configured")
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(p.metrics)
	return nil
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var inst instruments
	var err error
	if inst.operations, err = m.Int64Counter("treasury.operations.total",
		metric.WithDescription("Treasury operations processed"), metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if inst.errors, err = m.Int64Counter("treasury.errors.total",
		metric.WithDescription("Treasury operations rejected, by error kind"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if inst.duration, err = m.Float64Histogram("treasury.operation.duration",
		metric.WithDescription("Operation duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5)); err != nil {
		return nil, err
	}
	if inst.active, err = m.Int64UpDownCounter("treasury.operations.active",
		metric.WithDescription("Operations in flight"), metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if inst.transfers, err = m.Int64Counter("treasury.transfers.total",
		metric.WithDescription("Transfers committed by executed proposals"), metric.WithUnit("{transfer}")); err != nil {
		return nil, err
	}
	if inst.moved, err = m.Int64Counter("treasury.transfers.amount",
		metric.WithDescription("Value moved out of treasuries by executed proposals"), metric.WithUnit("{unit}")); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.metrics != nil {
		if err := p.metrics.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// RecordTransfer counts one committed transfer and its amount.
func (p *Provider) RecordTransfer(ctx context.Context, treasuryID, category string, amount uint64) {
	if p.inst == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTreasuryID.String(treasuryID), AttrCategory.String(category))
	p.inst.transfers.Add(ctx, 1, attrs)
	// Counters are int64; clamp rather than wrap.
	p.inst.moved.Add(ctx, int64(min(amount, math.MaxInt64)), attrs)
}

// TrackOperation opens a span for an operation and returns the function
// that closes it, recording the outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	if p.inst != nil {
		p.inst.active.Add(ctx, 1, set)
		p.inst.operations.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if err != nil {
			kind := AttrErrorKind.String(p.errorKind(err))
			span.RecordError(err)
			span.SetAttributes(kind)
			if p.inst != nil {
				p.inst.errors.Add(ctx, 1, metric.WithAttributes(append(attrs[:len(attrs):len(attrs)], kind)...))
			}
		}
		if p.inst != nil {
			p.inst.active.Add(ctx, -1, set)
			p.inst.duration.Record(ctx, time.Since(start).Seconds(), set)
		}
	}
}

func (p *Provider) errorKind(err error) string {
	if p.config.ErrorKind != nil {
		if kind := p.config.ErrorKind(err); kind != "" {
			return kind
		}
	}
	return fmt.Sprintf("%T", err)
}
