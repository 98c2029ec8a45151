package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/infra/telemetry"
)

type instruments struct {
	orders         metric.Int64Counter
	operations     metric.Int64Counter
	placeDuration  metric.Float64Histogram
	fanoutDuration metric.Float64Histogram
	lockWait       metric.Float64Histogram
	tasks          metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter("coordinator")
	var in instruments
	in.orders, _ = meter.Int64Counter("coordinator.orders",
		metric.WithDescription("Committed order transitions by resulting status"),
		metric.WithUnit("{order}"))
	in.operations, _ = meter.Int64Counter("coordinator.operations",
		metric.WithDescription("Coordinator operations by result and error code"),
		metric.WithUnit("{operation}"))
	in.placeDuration, _ = meter.Float64Histogram("coordinator.place.duration",
		metric.WithDescription("End-to-end order placement latency"),
		metric.WithUnit("ms"))
	in.fanoutDuration, _ = meter.Float64Histogram("coordinator.fanout.duration",
		metric.WithDescription("Latency of each fan-out input"),
		metric.WithUnit("ms"))
	in.lockWait, _ = meter.Float64Histogram("coordinator.lock.wait",
		metric.WithDescription("Time spent waiting for the per-user lock"),
		metric.WithUnit("ms"))
	in.tasks, _ = meter.Int64Counter("coordinator.background.tasks",
		metric.WithDescription("Background tasks by name and result"),
		metric.WithUnit("{task}"))
	return in
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (in instruments) recordOrder(ctx context.Context, order schema.Order) {
	if in.orders == nil {
		return
	}
	in.orders.Add(ctx, 1, metric.WithAttributes(telemetry.OrderAttributes(
		telemetry.Environment(), order.Symbol, string(order.Side), string(order.Kind), string(order.Status))...))
}

func (in instruments) recordOperation(ctx context.Context, operation string, err error) {
	if in.operations == nil {
		return
	}
	result, code := telemetry.ResultSuccess, ""
	if err != nil {
		result, code = telemetry.ResultError, string(errs.CodeOf(err))
	}
	in.operations.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), operation, result, code)...))
}

func (in instruments) recordPlace(ctx context.Context, elapsed time.Duration) {
	if in.placeDuration == nil {
		return
	}
	in.placeDuration.Record(ctx, millis(elapsed), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (in instruments) recordField(ctx context.Context, field string, elapsed time.Duration, err error) {
	if in.fanoutDuration == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	in.fanoutDuration.Record(ctx, millis(elapsed), metric.WithAttributes(
		telemetry.FanoutAttributes(telemetry.Environment(), field, result)...))
}

func (in instruments) recordLockWait(ctx context.Context, elapsed time.Duration) {
	if in.lockWait == nil {
		return
	}
	in.lockWait.Record(ctx, millis(elapsed), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (in instruments) recordTask(ctx context.Context, task string, err error) {
	if in.tasks == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	in.tasks.Add(ctx, 1, metric.WithAttributes(
		telemetry.TaskAttributes(telemetry.Environment(), task, result)...))
}
