package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineMeterName = "orderfeed.pipeline"

// PipelineMetrics groups the instruments recorded along the notification path.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	queue string

	polls                 metric.Int64Counter
	pollDuration          metric.Float64Histogram
	notifications         metric.Int64Counter
	duplicates            metric.Int64Counter
	ordersQueued          metric.Int64Counter
	normalizationFailures metric.Int64Counter
	acks                  metric.Int64Counter
	handlerFailures       metric.Int64Counter
	dispatchDuration      metric.Float64Histogram
	appendDuration        metric.Float64Histogram
	sessions              metric.Int64UpDownCounter
}

// MetricsOption configures PipelineMetrics.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	provider metric.MeterProvider
}

// WithMeterProvider records into provider instead of the global one.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		o.provider = provider
	}
}

// NewPipelineMetrics creates the pipeline instruments labelled with queue.
func NewPipelineMetrics(queue string, opts ...MetricsOption) *PipelineMetrics {
	options := metricsOptions{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	meter := options.provider.Meter(pipelineMeterName)
	m := &PipelineMetrics{queue: queue}

	m.polls, _ = meter.Int64Counter("orderfeed.polls",
		metric.WithDescription("Poll ticks by outcome"),
		metric.WithUnit("{poll}"))
	m.pollDuration, _ = meter.Float64Histogram("orderfeed.poll.duration",
		metric.WithDescription("Broker poll round trip latency"),
		metric.WithUnit("ms"))
	m.notifications, _ = meter.Int64Counter("orderfeed.notifications.received",
		metric.WithDescription("Notifications returned by the broker"),
		metric.WithUnit("{notification}"))
	m.duplicates, _ = meter.Int64Counter("orderfeed.notifications.duplicates",
		metric.WithDescription("Notifications dropped as redeliveries"),
		metric.WithUnit("{notification}"))
	m.ordersQueued, _ = meter.Int64Counter("orderfeed.orders.queued",
		metric.WithDescription("Orders newly appended to the durable queue"),
		metric.WithUnit("{order}"))
	m.normalizationFailures, _ = meter.Int64Counter("orderfeed.normalization.failures",
		metric.WithDescription("Notifications whose payload could not be normalized"),
		metric.WithUnit("{notification}"))
	m.acks, _ = meter.Int64Counter("orderfeed.acks",
		metric.WithDescription("Acknowledgments sent by outcome"),
		metric.WithUnit("{ack}"))
	m.handlerFailures, _ = meter.Int64Counter("orderfeed.handler.failures",
		metric.WithDescription("Order handlers that returned an error or panicked"),
		metric.WithUnit("{failure}"))
	m.dispatchDuration, _ = meter.Float64Histogram("orderfeed.dispatch.duration",
		metric.WithDescription("Time spent invoking order handlers"),
		metric.WithUnit("ms"))
	m.appendDuration, _ = meter.Float64Histogram("orderfeed.queue.append.duration",
		metric.WithDescription("Durable queue append latency"),
		metric.WithUnit("ms"))
	m.sessions, _ = meter.Int64UpDownCounter("orderfeed.sessions",
		metric.WithDescription("Active broker sessions"),
		metric.WithUnit("{session}"))
	return m
}

func (m *PipelineMetrics) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := QueueAttributes(Environment(), m.queue)
	return metric.WithAttributes(append(attrs, extra...)...)
}

// RecordPoll counts a poll tick and, unless skipped, its latency.
func (m *PipelineMetrics) RecordPoll(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.polls != nil {
		m.polls.Add(ctx, 1, m.attrs(AttrResult.String(result)))
	}
	if result != ResultSkipped && m.pollDuration != nil {
		m.pollDuration.Record(ctx, durationMillis(elapsed), m.attrs(AttrResult.String(result)))
	}
}

// RecordNotifications counts notifications returned by one poll.
func (m *PipelineMetrics) RecordNotifications(ctx context.Context, n int) {
	if m == nil || m.notifications == nil || n <= 0 {
		return
	}
	m.notifications.Add(ctx, int64(n), m.attrs())
}

// RecordDuplicate counts a redelivered notification.
func (m *PipelineMetrics) RecordDuplicate(ctx context.Context) {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.Add(ctx, 1, m.attrs())
}

// RecordQueued counts an order newly persisted and the write latency.
func (m *PipelineMetrics) RecordQueued(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.ordersQueued != nil {
		m.ordersQueued.Add(ctx, 1, m.attrs())
	}
	if m.appendDuration != nil {
		m.appendDuration.Record(ctx, durationMillis(elapsed), m.attrs())
	}
}

// RecordNormalizationFailure counts a payload that could not be normalized.
func (m *PipelineMetrics) RecordNormalizationFailure(ctx context.Context, reason string) {
	if m == nil || m.normalizationFailures == nil {
		return
	}
	m.normalizationFailures.Add(ctx, 1, m.attrs(AttrReason.String(reason)))
}

// RecordAck counts an acknowledgment attempt by outcome.
func (m *PipelineMetrics) RecordAck(ctx context.Context, result string) {
	if m == nil || m.acks == nil {
		return
	}
	m.acks.Add(ctx, 1, m.attrs(AttrResult.String(result)))
}

// RecordDispatch records handler fan-out latency and the number of failed handlers.
func (m *PipelineMetrics) RecordDispatch(ctx context.Context, failures int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if failures > 0 && m.handlerFailures != nil {
		m.handlerFailures.Add(ctx, int64(failures), m.attrs())
	}
	if m.dispatchDuration != nil {
		m.dispatchDuration.Record(ctx, durationMillis(elapsed), m.attrs())
	}
}

// SessionStarted increments the active session gauge.
func (m *PipelineMetrics) SessionStarted(ctx context.Context) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1, m.attrs())
}

// SessionEnded decrements the active session gauge.
func (m *PipelineMetrics) SessionEnded(ctx context.Context) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, -1, m.attrs())
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
