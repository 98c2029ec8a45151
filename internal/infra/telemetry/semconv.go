package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by tradecore instruments, namespaced the OpenTelemetry way.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSymbol captures the instrument symbol (e.g. EURUSD).
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderKind distinguishes MARKET, LIMIT and STOP orders.
	AttrOrderKind = attribute.Key("order.kind")
	// AttrOrderLeg identifies the armed leg (ENTRY, STOP_LOSS, TAKE_PROFIT).
	AttrOrderLeg = attribute.Key("order.leg")
	// AttrOrderStatus captures the resulting lifecycle state (OPEN, REJECTED, ...).
	AttrOrderStatus = attribute.Key("order.status")
	// AttrOperation differentiates coordinator operations (place, trigger, cancel).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrField names a fan-out input (account, symbol_config, price, ...).
	AttrField = attribute.Key("fanout.field")
	// AttrTask names a background task.
	AttrTask = attribute.Key("task")
	// AttrTopic names a messaging topic.
	AttrTopic = attribute.Key("topic")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// OrderAttributes returns attributes for order-related metrics.
func OrderAttributes(environment, symbol, side, kind, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(environment)}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if kind != "" {
		attrs = append(attrs, AttrOrderKind.String(kind))
	}
	if status != "" {
		attrs = append(attrs, AttrOrderStatus.String(status))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result, errorType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if errorType != "" {
		attrs = append(attrs, AttrErrorType.String(errorType))
	}
	return attrs
}

// FanoutAttributes returns attributes for per-field fan-out metrics.
func FanoutAttributes(environment, field, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrField.String(field),
		AttrResult.String(result),
	}
}

// TaskAttributes returns attributes for background task metrics.
func TaskAttributes(environment, task, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTask.String(task),
		AttrResult.String(result),
	}
}
