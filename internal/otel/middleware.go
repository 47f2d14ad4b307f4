package otel

import (
	"context"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Middleware wraps handlers in a server span, continuing any W3C trace
// context carried by the request. With a nil or disabled tracer it passes
// requests through untouched.
func Middleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tracer == nil || !tracer.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			ctx := tracer.Propagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					attribute.String("http.host", r.Host),
				),
			)
			defer span.End()

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(ww.Status()))
			if ww.Status() >= 400 {
				span.SetAttributes(attribute.Bool("error", true))
			}
		})
	}
}

// InjectHeaders copies the trace context from ctx into outgoing headers so a
// downstream hop can continue the trace.
func InjectHeaders(ctx context.Context, headers http.Header, tracer *Tracer) {
	if tracer == nil || !tracer.Enabled() {
		return
	}
	tracer.Propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractContext returns ctx extended with any trace context found in
// incoming headers.
func ExtractContext(ctx context.Context, headers http.Header, tracer *Tracer) context.Context {
	if tracer == nil || !tracer.Enabled() {
		return ctx
	}
	return tracer.Propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}
