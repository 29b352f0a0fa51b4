package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the OTel instrumentation scope for dispatch.
const instrumentationName = "github.com/wyre-technology/autotask-queue"

// telemetry holds the dispatcher's OTel instruments. With no global
// TracerProvider/MeterProvider configured the instruments are noops and
// instrumentation is a pass-through.
//
// Instruments:
//   - atq.dispatch.duration (Float64Histogram): transport call time in
//     seconds, with attributes: zone, status ("ok" or "error")
//   - atq.dispatch.outcomes (Int64Counter): per-item outcomes, with
//     attributes: zone, status ("ok", "retrying", "permanent", "exhausted")
type telemetry struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	outcomes metric.Int64Counter
}

// newTelemetry builds instruments from the global OTel providers.
func newTelemetry() *telemetry {
	return newTelemetryWith(otel.Tracer(instrumentationName), otel.Meter(instrumentationName))
}

// newTelemetryWith builds instruments from explicit tracer and meter.
// Allows injecting SDK providers for testing or multi-provider setups.
func newTelemetryWith(tracer trace.Tracer, meter metric.Meter) *telemetry {
	// Instruments are created once; OTel instruments are safe for
	// concurrent use. On error the API returns noop instruments, so the
	// dispatcher degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"atq.dispatch.duration",
		metric.WithDescription("Duration of a transport dispatch in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	outcomes, oErr := meter.Int64Counter(
		"atq.dispatch.outcomes",
		metric.WithDescription("Total per-item dispatch outcomes"),
		metric.WithUnit("{item}"),
	)
	_ = oErr // noop fallback guaranteed by OTel API contract

	return &telemetry{
		tracer:   tracer,
		duration: duration,
		outcomes: outcomes,
	}
}

// startDispatch opens the span wrapping one transport call.
func (tm *telemetry) startDispatch(ctx context.Context, zone string, size int) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "atq.dispatch",
		trace.WithAttributes(
			attribute.String("atq.zone", zone),
			attribute.Int("atq.items", size),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// recordDispatch records the transport call duration.
func (tm *telemetry) recordDispatch(ctx context.Context, zone string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	tm.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("zone", zone),
		attribute.String("status", status),
	))
}

// recordOutcome counts one routed item outcome.
func (tm *telemetry) recordOutcome(zone, status string) {
	tm.outcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("zone", zone),
		attribute.String("status", status),
	))
}
