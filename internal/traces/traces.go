// Package traces sets up OpenTelemetry for the gate and names the span
// attributes every pipeline stage uses.
package traces

import (
	"context"
	"fmt"
	"log/slog"
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
)

const instrumentation = "github.com/mbd888/signgate"

// Span attribute keys.
const (
	KeyIntentID    = attribute.Key("signgate.intent.id")
	KeyChainID     = attribute.Key("signgate.chain.id")
	KeyWallet      = attribute.Key("signgate.wallet")
	KeyDecision    = attribute.Key("signgate.policy.decision")
	KeyRiskScore   = attribute.Key("signgate.risk.score")
	KeyRequestHash = attribute.Key("signgate.tx.request_hash")
)

// Options configures the exporter.
type Options struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	Version     string
}

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// Setup installs a global tracer provider exporting to opts.Endpoint over
// OTLP/gRPC. Root spans are sampled at opts.SampleRatio; child spans follow
// their parent. With no endpoint nothing is installed and the returned
// shutdown is a no-op.
func Setup(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator)
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("traces: exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName("signgate"),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("traces: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sampleRatio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// Extract returns ctx joined to the caller's trace, if h carries one.
func Extract(ctx context.Context, h http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// Start opens a span named name.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Finish marks span failed when err is set and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
