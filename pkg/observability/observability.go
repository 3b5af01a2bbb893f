// Package observability provides OpenTelemetry tracing and metrics for the
// control plane.
//
// Every control-plane command runs inside TrackOperation, which opens a span,
// records RED metrics (rate, errors, duration) and feeds the SLO tracker that
// the mission summary reports from.
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

const instrumentationName = "helm-ops.controlplane"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batching window
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the defaults used when no configuration is given.
// Telemetry export is off until explicitly enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-ops",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages the trace and metric providers plus the control-plane
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slo            *SLOTracker

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	decisionCounter    metric.Int64Counter
	auditAppendCounter metric.Int64Counter
	remoteSentCounter  metric.Int64Counter
}

// New creates a provider. A disabled config still returns a usable provider
// backed by the global no-op implementations.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		slo:    NewSLOTracker(),
	}
	for _, target := range DefaultSLOTargets() {
		p.slo.SetTarget(target)
	}

	if config.Enabled {
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
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	if config.Enabled {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
			"insecure", config.Insecure,
		)
	} else {
		p.logger.DebugContext(ctx, "observability export disabled")
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		return fmt.Errorf("failed to create metric exporter: %w", err)
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
	if p.requestCounter, err = p.meter.Int64Counter("helm_ops.commands.total",
		metric.WithDescription("Control-plane commands processed"),
		metric.WithUnit("{command}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("helm_ops.errors.total",
		metric.WithDescription("Control-plane commands that returned an error"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("helm_ops.command.duration",
		metric.WithDescription("Command duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("helm_ops.commands.active",
		metric.WithDescription("Commands currently running"),
		metric.WithUnit("{command}")); err != nil {
		return err
	}
	if p.decisionCounter, err = p.meter.Int64Counter("helm_ops.policy.decisions",
		metric.WithDescription("Policy decisions by result"),
		metric.WithUnit("{decision}")); err != nil {
		return err
	}
	if p.auditAppendCounter, err = p.meter.Int64Counter("helm_ops.audit.appends",
		metric.WithDescription("Events appended to the audit chain"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	p.remoteSentCounter, err = p.meter.Int64Counter("helm_ops.audit.remote.sent",
		metric.WithDescription("Audit events delivered to the remote sink"),
		metric.WithUnit("{event}"))
	return err
}

// Shutdown flushes and stops the exporters.
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

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// SLO returns the tracker fed by TrackOperation.
func (p *Provider) SLO() *SLOTracker { return p.slo }

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// RecordDecision counts a policy decision.
func (p *Provider) RecordDecision(ctx context.Context, workspace, result string) {
	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(AttrWorkspace.String(workspace), AttrDecision.String(result)))
}

// RecordAuditAppend counts an appended audit event.
func (p *Provider) RecordAuditAppend(ctx context.Context, workspace string) {
	p.auditAppendCounter.Add(ctx, 1, metric.WithAttributes(AttrWorkspace.String(workspace)))
}

// RecordRemoteSent counts events delivered by a remote sync.
func (p *Provider) RecordRemoteSent(ctx context.Context, workspace string, n int) {
	if n <= 0 {
		return
	}
	p.remoteSentCounter.Add(ctx, int64(n), metric.WithAttributes(AttrWorkspace.String(workspace)))
}

// TrackOperation opens a span for a command. The returned function must be
// called with the command's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, AttrCommand.String(name))
	set := metric.WithAttributes(attrs...)

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.activeOperations.Add(ctx, 1, set)
	p.requestCounter.Add(ctx, 1, set)

	return ctx, func(err error) {
		elapsed := time.Since(start)
		p.activeOperations.Add(ctx, -1, set)
		p.durationHist.Record(ctx, elapsed.Seconds(), set)
		p.slo.Record(SLOObservation{Operation: name, Latency: elapsed, Success: err == nil})
		if err != nil {
			span.RecordError(err)
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrErrorKind.String(ErrorKind(err)))...))
		}
		span.End()
	}
}
