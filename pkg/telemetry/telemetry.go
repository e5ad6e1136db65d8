// Package telemetry provides OpenTelemetry tracing and metrics for the
// node: OTLP export over gRPC, subsystem spans named after the core
// components, and engine execution metrics labeled by service,
// workflow, and outcome.
package telemetry

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

	"github.com/wavs-labs/wavs/pkg/types"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "wavs",
		ServiceVersion: "0.4.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the engine
// execution instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	executions   metric.Int64Counter
	fuelUsed     metric.Int64Histogram
	execDuration metric.Float64Histogram
	queueDepth   metric.Int64UpDownCounter
	submissions  metric.Int64Counter
}

// New creates the provider and installs it globally.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: logger.With("component", "telemetry")}
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
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("wavs", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("wavs", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
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
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.executions, err = p.meter.Int64Counter("wavs.engine.executions",
		metric.WithDescription("Component executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return err
	}
	p.fuelUsed, err = p.meter.Int64Histogram("wavs.engine.fuel_used",
		metric.WithDescription("Fuel consumed per execution"),
		metric.WithUnit("{fuel}"),
	)
	if err != nil {
		return err
	}
	p.execDuration, err = p.meter.Float64Histogram("wavs.engine.duration",
		metric.WithDescription("Execution wall-clock duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0),
	)
	if err != nil {
		return err
	}
	p.queueDepth, err = p.meter.Int64UpDownCounter("wavs.engine.queue_depth",
		metric.WithDescription("Trigger actions queued for execution"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.submissions, err = p.meter.Int64Counter("wavs.submission.total",
		metric.WithDescription("Transactions and packets submitted by outcome"),
		metric.WithUnit("{submission}"),
	)
	return err
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
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("wavs")
	}
	return p.tracer
}

// ExecutionAttrs builds the standard execution label set.
func ExecutionAttrs(serviceID types.ServiceID, workflowID types.WorkflowID, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service_id", string(serviceID)),
		attribute.String("workflow_id", string(workflowID)),
		attribute.String("outcome", outcome),
	}
}

// RecordExecution records one engine execution with fuel and duration.
func (p *Provider) RecordExecution(ctx context.Context, serviceID types.ServiceID, workflowID types.WorkflowID, outcome string, fuel uint64, d time.Duration) {
	if p.executions == nil {
		return
	}
	attrs := metric.WithAttributes(ExecutionAttrs(serviceID, workflowID, outcome)...)
	p.executions.Add(ctx, 1, attrs)
	p.fuelUsed.Record(ctx, int64(fuel), attrs)
	p.execDuration.Record(ctx, d.Seconds(), attrs)
}

// QueueDelta adjusts the engine queue depth gauge.
func (p *Provider) QueueDelta(ctx context.Context, delta int64) {
	if p.queueDepth != nil {
		p.queueDepth.Add(ctx, delta)
	}
}

// RecordSubmission counts a submission attempt by kind and outcome.
func (p *Provider) RecordSubmission(ctx context.Context, kind, outcome string) {
	if p.submissions != nil {
		p.submissions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		))
	}
}

// StartSpan starts a subsystem span.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}
