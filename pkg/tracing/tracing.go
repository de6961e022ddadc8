package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "voxmesh"

// Span attributes shared by the relay and the directory.
var (
	RoomKey        = attribute.Key("room.name")
	ParticipantKey = attribute.Key("participant.id")
	MessageTypeKey = attribute.Key("signal.type")
	InstanceKey    = attribute.Key("relay.instance")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	// SampleRate is the fraction of root spans kept. Child spans follow
	// their parent's decision.
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "voxmesh",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the SDK provider installed by Init. The zero value,
// returned when tracing is disabled, is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger backed provider and the W3C propagators globally.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := newProvider(tracesdk.WithBatcher(exp), tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}, nil
}

func newProvider(opts ...tracesdk.TracerProviderOption) *tracesdk.TracerProvider {
	tp := tracesdk.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceSignalMessage covers one control channel frame through the relay.
func TraceSignalMessage(ctx context.Context, room string, size int) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal.frame",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			RoomKey.String(room),
			attribute.Int("signal.size", size),
		),
	)
}

// TraceDirectoryOperation covers one room directory round trip.
func TraceDirectoryOperation(ctx context.Context, operation, room string) (context.Context, trace.Span) {
	return StartSpan(ctx, "directory."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(RoomKey.String(room)),
	)
}
