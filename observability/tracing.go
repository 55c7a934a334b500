package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/staale/gomats/engine"
)

// InitTracer initializes OpenTelemetry tracing with an OTLP gRPC exporter.
// Returns a shutdown function that must be called on service termination.
func InitTracer(serviceName, serviceVersion, otlpEndpoint string) (func(context.Context) error, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(), // Use TLS in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// =============================================================================
// TRACING INTERCEPTOR
// =============================================================================

// TracingInterceptor opens a span per stage execution, attributed with the
// flow's identity. Spans are keyed on (stage id, flow id, message id) between
// the received and completed interception points.
type TracingInterceptor struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[spanKey]trace.Span
}

type spanKey struct {
	stageID   string
	flowID    string
	messageID string
}

func spanKeyFor(sc *engine.StageReceivedContext) spanKey {
	key := spanKey{stageID: sc.StageID, flowID: sc.Trace.FlowID}
	if cur := sc.Trace.CurrentCall(); cur != nil {
		key.messageID = cur.MatsMessageID
	}
	return key
}

// NewTracingInterceptor creates a TracingInterceptor using the global tracer
// provider (set up via InitTracer).
func NewTracingInterceptor() *TracingInterceptor {
	return &TracingInterceptor{
		tracer: otel.Tracer("gomats/engine"),
		spans:  make(map[spanKey]trace.Span),
	}
}

func (t *TracingInterceptor) StageReceived(sc *engine.StageReceivedContext) {
	_, span := t.tracer.Start(context.Background(), "stage "+sc.StageID,
		trace.WithAttributes(
			attribute.String("mats.stage_id", sc.StageID),
			attribute.String("mats.endpoint_id", sc.EndpointID),
			attribute.String("mats.flow_id", sc.Trace.FlowID),
			attribute.String("mats.trace_id", sc.Trace.TraceID),
			attribute.Int("mats.delivery_count", sc.DeliveryCount),
		))
	t.mu.Lock()
	t.spans[spanKeyFor(sc)] = span
	t.mu.Unlock()
}

func (t *TracingInterceptor) StageCompleted(sc *engine.StageCompletedContext) {
	key := spanKeyFor(&sc.StageReceivedContext)
	t.mu.Lock()
	span, ok := t.spans[key]
	delete(t.spans, key)
	t.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("mats.result", string(sc.Result)),
		attribute.Int("mats.outgoing_count", sc.OutgoingCount),
	)
	if sc.Err != nil {
		span.RecordError(sc.Err)
	}
	span.End()
}

// Ensure interface compliance.
var _ engine.StageInterceptor = (*TracingInterceptor)(nil)
