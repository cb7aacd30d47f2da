package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by pricefeed instruments.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEventType labels bus metrics with the topic name.
	AttrEventType = attribute.Key("event.type")
	// AttrInstrument identifies the synthetic ticker a signal refers to.
	AttrInstrument = attribute.Key("instrument")
	// AttrComponent names the emitting component (generator, broadcast, ...).
	AttrComponent = attribute.Key("component")
	// AttrOperation differentiates operations inside one component.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides free-form context for failures.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess       = "success"
	ResultError         = "error"
	ResultPanic         = "panic"
	ResultNoSubscribers = "no_subscribers"
)

// EventAttributes returns common attributes for bus metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// InstrumentAttributes returns attributes for per-instrument metrics.
func InstrumentAttributes(environment, instrumentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstrument.String(instrumentID),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, component, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error counters.
func ErrorAttributes(environment, component, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for connection lifecycle metrics.
func ConnectionAttributes(environment, instrumentID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstrument.String(instrumentID),
		AttrConnectionState.String(state),
	}
}
