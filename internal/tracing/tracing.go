// Package tracing exports message-flow spans via OpenTelemetry.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Options configures the OTLP trace exporter.
type Options struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRatio float64
	Insecure    bool
	Headers     map[string]string
}

// Tracer provides distributed tracing via OpenTelemetry. A disabled tracer
// returns no-op spans.
type Tracer struct {
	enabled  bool
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates a Tracer from options.
func New(opts Options) (*Tracer, error) {
	t := &Tracer{enabled: opts.Enabled}
	if !opts.Enabled {
		return t, nil
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "datagate"
	}
	ratio := opts.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	ctx := context.Background()

	exporterOpts := []otlptracegrpc.Option{}
	if opts.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlptracegrpc.WithInsecure(),
		)
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)

	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.tracer = t.provider.Tracer("datagate")
	return t, nil
}

// IsEnabled reports whether spans are exported.
func (t *Tracer) IsEnabled() bool { return t.enabled }

// StartMessageSpan opens a span covering one envelope's routing and
// forwarding. The returned end function is safe to call when disabled.
func (t *Tracer) StartMessageSpan(ctx context.Context, messageID, protocol string) (context.Context, func(err error)) {
	if !t.enabled || t.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := t.tracer.Start(ctx, "message.process",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("message.protocol", protocol),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
