package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by order feed instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrQueue       = attribute.Key("queue.name")
	AttrResult      = attribute.Key("result")
	AttrReason      = attribute.Key("reason")
	AttrEventType   = attribute.Key("event.type")
	AttrMigrations  = attribute.Key("migrations.source")
)

// Outcome labels carried by AttrResult.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	// ResultSkipped marks a tick or ack that was intentionally not attempted.
	ResultSkipped = "skipped"
	ResultExpired = "expired"
)

// QueueAttributes scopes pipeline instruments to one subscription queue.
func QueueAttributes(environment, queue string) []attribute.KeyValue {
	if queue == "" {
		return []attribute.KeyValue{AttrEnvironment.String(environment)}
	}
	return []attribute.KeyValue{AttrEnvironment.String(environment), AttrQueue.String(queue)}
}

// EventAttributes labels local queue event bus instruments.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// MigrationAttributes labels one schema migration run.
func MigrationAttributes(environment, result, source string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(environment), AttrResult.String(result)}
	if source != "" {
		attrs = append(attrs, AttrMigrations.String(source))
	}
	return attrs
}
