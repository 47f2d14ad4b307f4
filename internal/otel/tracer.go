// Package otel provides OpenTelemetry tracing for the orchestrator. The
// control API wraps its handlers in server spans, the persistence layer
// stamps retry events on whatever span is active, and everything stays a
// no-op until tracing is switched on.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects where spans go.
type ExporterType string

const (
	// ExporterNone disables tracing.
	ExporterNone ExporterType = "none"
	// ExporterStdout pretty-prints spans to stdout.
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC ships spans over OTLP gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP ships spans over OTLP HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// Config tunes the tracer.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	// OTLPEndpoint is the collector address for the OTLP exporters,
	// e.g. "localhost:4317".
	OTLPEndpoint string
	OTLPInsecure bool
	// SampleRate is the head-sampling ratio in [0, 1]. 1 samples everything.
	SampleRate float64
	// Attributes are added to the resource of every span.
	Attributes map[string]string
}

// DefaultConfig returns a disabled tracer configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		ServiceName:  "conductor",
		ExporterType: ExporterNone,
		SampleRate:   1.0,
	}
}

// Tracer owns the provider, the propagator and the shutdown hook.
type Tracer struct {
	config     *Config
	provider   trace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	shutdown   func(context.Context) error
}

var (
	globalMu     sync.RWMutex
	globalTracer *Tracer
)

// NewTracer builds a tracer from cfg. A nil or disabled cfg yields a no-op
// tracer whose Shutdown does nothing.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	t := &Tracer{
		config: cfg,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}),
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		t.provider = noop.NewTracerProvider()
		t.tracer = t.provider.Tracer(cfg.ServiceName)
		t.shutdown = func(context.Context) error { return nil }
		return t, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	t.provider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdown = tp.Shutdown

	otel.SetTextMapPropagator(t.propagator)
	return t, nil
}

func newExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func newResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

// Shutdown flushes pending spans and releases the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// Enabled reports whether spans are actually exported.
func (t *Tracer) Enabled() bool {
	return t.config.Enabled && t.config.ExporterType != ExporterNone
}

// StartSpan starts a span under this tracer.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Propagator returns the W3C trace-context propagator.
func (t *Tracer) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// TracerProvider returns the underlying provider.
func (t *Tracer) TracerProvider() trace.TracerProvider {
	return t.provider
}

// RecordError marks the span with err and the error taxonomy the control API
// also serves in its response envelope.
func RecordError(span trace.Span, err error, errorType string, retryable bool) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", errorType),
		attribute.Bool("error.retryable", retryable),
	)
}

// RecordRetry stamps one retry attempt on the span.
func RecordRetry(span trace.Span, attempt int, reason string) {
	if span == nil {
		return
	}
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.reason", reason),
	))
}

// GetTraceInfo returns the ids of the span active in ctx, empty when none is.
func GetTraceInfo(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

// SetGlobalTracer installs t as the process-wide tracer.
func SetGlobalTracer(t *Tracer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalTracer = t
	if t != nil && t.Enabled() {
		otel.SetTracerProvider(t.provider)
	}
}

// GetGlobalTracer returns the process-wide tracer, a no-op one when unset.
func GetGlobalTracer() *Tracer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	tp := noop.NewTracerProvider()
	return &Tracer{
		config:     DefaultConfig(),
		provider:   tp,
		tracer:     tp.Tracer("conductor"),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}),
		shutdown:   func(context.Context) error { return nil },
	}
}
