// Package traces wires OpenTelemetry tracing through the settlement engine.
// Without an OTLP endpoint the global no-op provider stays in place and
// spans cost nothing.
package traces

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
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

const instrumentation = "github.com/mbd888/escrowd"

// Span attribute keys.
const (
	keyHold        = attribute.Key("escrow.hold_id")
	keyBooking     = attribute.Key("escrow.booking_id")
	keyRefund      = attribute.Key("escrow.refund_id")
	keySchedule    = attribute.Key("payout.schedule_id")
	keyPayee       = attribute.Key("payout.payee_id")
	keyAmount      = attribute.Key("money.amount_minor")
	keyCurrency    = attribute.Key("money.currency")
	keyOperation   = attribute.Key("processor.operation")
	keyIdempotency = attribute.Key("processor.idempotency_key")
)

// Shutdown flushes buffered spans.
type Shutdown func(context.Context) error

// Init installs a batching OTLP/gRPC tracer provider tagged with version and
// env. An empty endpoint leaves tracing off.
func Init(ctx context.Context, endpoint, version, env string, logger *slog.Logger) (Shutdown, error) {
	if endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName("escrowd"),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(env),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	install(tp)
	logger.Info("tracing enabled", "endpoint", endpoint)
	return tp.Shutdown, nil
}

func install(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// StartSpan opens an internal span named name under ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks span failed when err is set, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Middleware continues any incoming W3C trace and opens a server span per
// request, named by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := otel.Tracer(instrumentation).Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}

func HoldID(id string) attribute.KeyValue     { return keyHold.String(id) }
func BookingID(id string) attribute.KeyValue  { return keyBooking.String(id) }
func RefundID(id string) attribute.KeyValue   { return keyRefund.String(id) }
func ScheduleID(id string) attribute.KeyValue { return keySchedule.String(id) }
func PayeeID(id string) attribute.KeyValue    { return keyPayee.String(id) }
func Operation(op string) attribute.KeyValue  { return keyOperation.String(op) }

func IdempotencyKey(key string) attribute.KeyValue { return keyIdempotency.String(key) }

// Amount tags a span with a minor-unit amount and its currency.
func Amount(minor int64, currency string) []attribute.KeyValue {
	return []attribute.KeyValue{keyAmount.Int64(minor), keyCurrency.String(currency)}
}
