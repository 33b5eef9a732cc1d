package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

// busMetrics records queue event traffic. Instruments that failed to register stay nil.
type busMetrics struct {
	published   metric.Int64Counter
	dropped     metric.Int64Counter
	failed      metric.Int64Counter
	subscribers metric.Int64UpDownCounter
	latency     metric.Float64Histogram
}

func newBusMetrics() busMetrics {
	meter := otel.Meter("orderfeed/eventbus")
	var m busMetrics
	m.published, _ = meter.Int64Counter("orderfeed.queue.events.published",
		metric.WithDescription("Queue events delivered to at least one subscriber"),
		metric.WithUnit("{event}"))
	m.dropped, _ = meter.Int64Counter("orderfeed.queue.events.dropped",
		metric.WithDescription("Queue events evicted from a full subscriber buffer"),
		metric.WithUnit("{event}"))
	m.failed, _ = meter.Int64Counter("orderfeed.queue.events.failed",
		metric.WithDescription("Queue event fan-outs that returned an error"),
		metric.WithUnit("{event}"))
	m.subscribers, _ = meter.Int64UpDownCounter("orderfeed.queue.subscribers",
		metric.WithDescription("Active queue event subscriptions"),
		metric.WithUnit("{subscriber}"))
	m.latency, _ = meter.Float64Histogram("orderfeed.queue.publish.duration",
		metric.WithDescription("Time spent fanning out a queue event"),
		metric.WithUnit("ms"))
	return m
}

func eventAttrs(typ schema.QueueEventType, extra ...string) metric.MeasurementOption {
	attrs := telemetry.EventAttributes(telemetry.Environment(), string(typ))
	if len(extra) > 0 {
		attrs = append(attrs, telemetry.AttrResult.String(extra[0]))
	}
	return metric.WithAttributes(attrs...)
}

func (m busMetrics) subscribed(typ schema.QueueEventType, delta int64) {
	if m.subscribers != nil {
		m.subscribers.Add(context.Background(), delta, eventAttrs(typ))
	}
}

func (m busMetrics) fannedOut(ctx context.Context, typ schema.QueueEventType, result string, started time.Time) {
	switch result {
	case telemetry.ResultSuccess:
		if m.published != nil {
			m.published.Add(ctx, 1, eventAttrs(typ))
		}
	case telemetry.ResultError:
		if m.failed != nil {
			m.failed.Add(ctx, 1, eventAttrs(typ))
		}
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000, eventAttrs(typ, result))
	}
}

func (m busMetrics) evicted(ctx context.Context, typ schema.QueueEventType) {
	if m.dropped != nil {
		m.dropped.Add(ctx, 1, eventAttrs(typ))
	}
}
