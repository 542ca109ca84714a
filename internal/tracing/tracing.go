// Package tracing creates one OpenTelemetry server span per proxied request
// and propagates its context to backends.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wudi/gatekeeper/internal/config"
)

// TraceIDHeader carries the trace id of the gateway span back to the client.
const TraceIDHeader = "X-Trace-ID"

// Tracer provides distributed tracing via OpenTelemetry. A nil or disabled
// Tracer starts no spans.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a Tracer exporting over OTLP gRPC. When cfg is disabled no
// exporter is created.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}

	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(cfg, sdktrace.WithBatcher(exporter)), nil
}

// NewWithOptions creates an enabled Tracer whose provider is built from
// opts, typically an exporter or span processor.
func NewWithOptions(cfg config.TracingConfig, opts ...sdktrace.TracerProviderOption) *Tracer {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gatekeeper"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	res := resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName))
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}, opts...)

	t := &Tracer{
		enabled:  true,
		provider: sdktrace.NewTracerProvider(opts...),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(t.propagator)
	t.tracer = t.provider.Tracer("gatekeeper")
	return t
}

// Enabled reports whether spans are recorded.
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// StartRequest continues any incoming trace context and starts the server
// span for r. The returned request carries the span in its context. The
// trace id is echoed to the client in TraceIDHeader.
func (t *Tracer) StartRequest(w http.ResponseWriter, r *http.Request) (*http.Request, trace.Span) {
	if !t.Enabled() {
		return r, trace.SpanFromContext(context.Background())
	}

	ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := t.tracer.Start(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			semconv.ServerAddress(r.Host),
			semconv.UserAgentOriginal(r.UserAgent()),
		),
	)
	if sc := span.SpanContext(); sc.HasTraceID() {
		w.Header().Set(TraceIDHeader, sc.TraceID().String())
	}
	return r.WithContext(ctx), span
}

// Finish records the outcome on span and ends it.
func Finish(span trace.Span, route, requestID string, status int) {
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.String("gateway.request_id", requestID),
			attribute.Int("http.response.status_code", status),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
	span.End()
}

// InjectHeaders writes the trace context of ctx into an outgoing header.
// Without an active span nothing is written.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// Close flushes and shuts down the exporter.
func (t *Tracer) Close(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Status returns the tracing status for the admin API.
func (t *Tracer) Status() map[string]any {
	return map[string]any{
		"enabled": t.Enabled(),
	}
}
