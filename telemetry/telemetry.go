// Package telemetry records bus activity as OpenTelemetry metrics and spans.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/coregx/eventbus"

// Outcome is the result of one delivery.
type Outcome string

const (
	OutcomeAcked      Outcome = "acked"
	OutcomeRetried    Outcome = "retried"
	OutcomeDeadLetter Outcome = "dead_lettered"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeMalformed  Outcome = "malformed"
)

// Recorder records bus metrics and spans.
// Use New for OTel or Noop{} when disabled.
type Recorder interface {
	// StartPublish starts a publish span. end must be called with the publish error.
	StartPublish(ctx context.Context, eventType, stream string) (context.Context, func(err error))

	// RecordDelivery records one handled delivery with its handler duration.
	RecordDelivery(ctx context.Context, eventType, stream string, outcome Outcome, duration time.Duration)

	// RecordDeadLetter records an event handed to the dead-letter queue.
	RecordDeadLetter(ctx context.Context, eventType string)
}

type otelRecorder struct {
	tracer      trace.Tracer
	published   metric.Int64Counter
	publishErrs metric.Int64Counter
	deliveries  metric.Int64Counter
	latency     metric.Float64Histogram
	deadLetters metric.Int64Counter
}

// New creates a Recorder from explicit providers.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (Recorder, error) {
	meter := mp.Meter(instrumentationName)

	published, err := meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	publishErrs, err := meter.Int64Counter("eventbus.events.publish_errors",
		metric.WithDescription("Number of rejected or failed publishes"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("eventbus.deliveries",
		metric.WithDescription("Number of deliveries handled, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("eventbus.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("eventbus.dead_letters",
		metric.WithDescription("Number of events dead-lettered"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		tracer:      tp.Tracer(instrumentationName),
		published:   published,
		publishErrs: publishErrs,
		deliveries:  deliveries,
		latency:     latency,
		deadLetters: deadLetters,
	}, nil
}

// NewGlobal creates a Recorder from the global OTel providers.
// Configure them before calling:
//
//	otel.SetMeterProvider(yourProvider)
//	otel.SetTracerProvider(yourProvider)
func NewGlobal() (Recorder, error) {
	return New(otel.GetMeterProvider(), otel.GetTracerProvider())
}

func (r *otelRecorder) StartPublish(ctx context.Context, eventType, stream string) (context.Context, func(err error)) {
	attrs := []attribute.KeyValue{
		attribute.String("event.type", eventType),
		attribute.String("stream", stream),
	}
	ctx, span := r.tracer.Start(ctx, "eventbus.publish",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.publishErrs.Add(ctx, 1, metric.WithAttributes(attrs...))
		} else {
			span.SetStatus(codes.Ok, "")
			r.published.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		span.End()
	}
}

func (r *otelRecorder) RecordDelivery(ctx context.Context, eventType, stream string, outcome Outcome, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("stream", stream),
		attribute.String("outcome", string(outcome)),
	)
	r.deliveries.Add(ctx, 1, attrs)
	if duration > 0 {
		r.latency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (r *otelRecorder) RecordDeadLetter(ctx context.Context, eventType string) {
	r.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// Noop is a Recorder that does nothing.
type Noop struct{}

func (Noop) StartPublish(ctx context.Context, _, _ string) (context.Context, func(err error)) {
	return ctx, func(error) {}
}

func (Noop) RecordDelivery(context.Context, string, string, Outcome, time.Duration) {}

func (Noop) RecordDeadLetter(context.Context, string) {}
