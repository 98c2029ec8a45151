package coordinator

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/orderstore"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/observability"
)

const closeReasonManual = "manual"

func orderNotFound(orderID string) error {
	return errs.New(component, errs.CodeNotFound,
		errs.WithMessage("order not found"),
		errs.WithField("order_id", orderID),
	)
}

func requireIDs(userID, orderID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	orderID = strings.TrimSpace(orderID)
	if userID == "" || orderID == "" {
		return userID, orderID, errs.Validation(component, "user id and order id required")
	}
	return userID, orderID, nil
}

// ownedOrder reads the order for the pre-lock phase and hides other users' orders.
func (c *Coordinator) ownedOrder(ctx context.Context, userID, orderID string) (schema.Order, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if order.UserID != userID {
		return schema.Order{}, orderNotFound(orderID)
	}
	return order, nil
}

func lockOwned(ctx context.Context, tx orderstore.Tx, userID, orderID string) (schema.Order, error) {
	current, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if current.UserID != userID {
		return schema.Order{}, orderNotFound(orderID)
	}
	return current, nil
}

func requireStatus(order schema.Order, want schema.OrderStatus, message string) error {
	if order.Status == want {
		return nil
	}
	return errs.New(component, errs.CodeConflict,
		errs.WithMessage(message),
		errs.WithField("order_id", order.OrderID),
		errs.WithField("status", string(order.Status)),
	)
}

// CloseOrder closes an open position at the current quote, on the side opposite
// to the one it was opened on. Margin and PnL settle as for an SL/TP close.
func (c *Coordinator) CloseOrder(ctx context.Context, userID, orderID string) (schema.OrderResult, error) {
	traceID := uuid.NewString()
	order, closePrice, err := c.closeOrder(ctx, traceID, userID, orderID)
	c.metrics.recordOperation(ctx, opClose, err)
	if err != nil {
		return schema.OrderResult{}, err
	}
	observability.Log().Info("position closed",
		observability.Field{Key: "trace_id", Value: traceID},
		observability.Field{Key: "order_id", Value: order.OrderID},
		observability.Field{Key: "reason", Value: order.CloseReason},
		observability.Field{Key: "close_price", Value: closePrice.String()},
		observability.Field{Key: "net_profit", Value: order.NetProfit.String()},
	)
	return schema.ResultFromOrder(order), nil
}

func (c *Coordinator) closeOrder(ctx context.Context, traceID, userID, orderID string) (schema.Order, decimal.Decimal, error) {
	userID, orderID, err := requireIDs(userID, orderID)
	if err != nil {
		return schema.Order{}, decimal.Zero, err
	}
	order, cfg, acct, err := c.triggerInputs(ctx, orderID)
	if err != nil {
		return schema.Order{}, decimal.Zero, err
	}
	if order.UserID != userID {
		return schema.Order{}, decimal.Zero, orderNotFound(orderID)
	}
	if err := requireStatus(order, schema.StatusOpen, "only open orders can be closed"); err != nil {
		return schema.Order{}, decimal.Zero, err
	}
	quote, err := c.prices.GetLatestPrice(ctx, order.Symbol)
	if err != nil {
		if errs.CodeOf(err) == "" || errs.Is(err, errs.CodeNotFound) {
			err = errs.StaleData(component, "no usable price", errs.WithCause(err), errs.WithField("symbol", order.Symbol))
		}
		return schema.Order{}, decimal.Zero, err
	}
	closePrice := quote.PriceFor(order.Side.Opposite())
	rate, err := c.rates.Resolve(ctx, cfg.QuoteCurrency, c.currencyOf(acct))
	if err != nil {
		return schema.Order{}, decimal.Zero, err
	}

	var committed schema.Order
	err = c.locked(ctx, userID, func(ctx context.Context, tx orderstore.Tx) error {
		current, err := lockOwned(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if err := requireStatus(current, schema.StatusOpen, "only open orders can be closed"); err != nil {
			return err
		}
		committed, err = c.closeInTx(ctx, tx, current, cfg, closePrice, rate, closeReasonManual)
		return err
	})
	if err != nil {
		return schema.Order{}, decimal.Zero, err
	}
	c.settle(ctx, traceID, committed, schema.EventOrderClosed)
	return committed, closePrice, nil
}

// ModifyLegs replaces the stop loss and take profit of a pending or open order.
// A nil level removes that leg; a leg added for the first time gets a fresh id
// while an existing leg keeps its id. The order's armed legs are re-armed at the
// new levels.
func (c *Coordinator) ModifyLegs(ctx context.Context, userID, orderID string, stopLoss, takeProfit *decimal.Decimal) (schema.OrderResult, error) {
	traceID := uuid.NewString()
	order, err := c.modifyLegs(ctx, traceID, userID, orderID, stopLoss, takeProfit)
	c.metrics.recordOperation(ctx, opModify, err)
	if err != nil {
		return schema.OrderResult{}, err
	}
	return schema.ResultFromOrder(order), nil
}

func (c *Coordinator) modifyLegs(ctx context.Context, traceID, userID, orderID string, stopLoss, takeProfit *decimal.Decimal) (schema.Order, error) {
	userID, orderID, err := requireIDs(userID, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if stopLoss != nil && !stopLoss.IsPositive() {
		return schema.Order{}, errs.Validation(component, "stop loss must be positive")
	}
	if takeProfit != nil && !takeProfit.IsPositive() {
		return schema.Order{}, errs.Validation(component, "take profit must be positive")
	}
	order, err := c.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if err := modifiable(order); err != nil {
		return schema.Order{}, err
	}
	if err := validateLegs(order.Side, order.EntryPrice(), stopLoss, takeProfit); err != nil {
		return schema.Order{}, err
	}

	// Ids for newly added legs are issued before the lock, as at placement.
	var slID, tpID string
	if stopLoss != nil && order.StopLossID == "" {
		if slID, err = c.ids.Generate(ctx, idgen.KindStopLoss); err != nil {
			return schema.Order{}, err
		}
	}
	if takeProfit != nil && order.TakeProfitID == "" {
		if tpID, err = c.ids.Generate(ctx, idgen.KindTakeProfit); err != nil {
			return schema.Order{}, err
		}
	}

	var committed schema.Order
	err = c.locked(ctx, userID, func(ctx context.Context, tx orderstore.Tx) error {
		current, err := lockOwned(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if err := modifiable(current); err != nil {
			return err
		}
		if err := validateLegs(current.Side, current.EntryPrice(), stopLoss, takeProfit); err != nil {
			return err
		}
		if current.StopLossID, err = c.legID(ctx, current.StopLossID, slID, stopLoss, idgen.KindStopLoss); err != nil {
			return err
		}
		if current.TakeProfitID, err = c.legID(ctx, current.TakeProfitID, tpID, takeProfit, idgen.KindTakeProfit); err != nil {
			return err
		}
		current.StopLoss = cloneLevel(stopLoss)
		current.TakeProfit = cloneLevel(takeProfit)
		current.UpdatedAt = c.now().UTC()
		committed = current
		return tx.UpdateOrder(ctx, current)
	})
	if err != nil {
		return schema.Order{}, err
	}
	c.rearm(ctx, traceID, committed)
	observability.Log().Info("order legs modified",
		observability.Field{Key: "trace_id", Value: traceID},
		observability.Field{Key: "order_id", Value: committed.OrderID},
		observability.Field{Key: "stop_loss", Value: levelString(committed.StopLoss)},
		observability.Field{Key: "take_profit", Value: levelString(committed.TakeProfit)},
	)
	return committed, nil
}

// legID keeps an existing id, clears it when the leg is removed, and otherwise
// uses the id issued before the lock, issuing one now if none was.
func (c *Coordinator) legID(ctx context.Context, existing, issued string, level *decimal.Decimal, kind idgen.Kind) (string, error) {
	switch {
	case level == nil:
		return "", nil
	case existing != "":
		return existing, nil
	case issued != "":
		return issued, nil
	default:
		return c.ids.Generate(ctx, kind)
	}
}

func modifiable(order schema.Order) error {
	if order.Status == schema.StatusPending || order.Status == schema.StatusOpen {
		return nil
	}
	return errs.New(component, errs.CodeConflict,
		errs.WithMessage("only pending or open orders can be modified"),
		errs.WithField("order_id", order.OrderID),
		errs.WithField("status", string(order.Status)),
	)
}

// ModifyPending moves the trigger price of a pending LIMIT or STOP order. Its
// SL/TP levels must still sit on the right side of the new price.
func (c *Coordinator) ModifyPending(ctx context.Context, userID, orderID string, price decimal.Decimal) (schema.OrderResult, error) {
	traceID := uuid.NewString()
	order, err := c.modifyPending(ctx, traceID, userID, orderID, price)
	c.metrics.recordOperation(ctx, opModify, err)
	if err != nil {
		return schema.OrderResult{}, err
	}
	return schema.ResultFromOrder(order), nil
}

func (c *Coordinator) modifyPending(ctx context.Context, traceID, userID, orderID string, price decimal.Decimal) (schema.Order, error) {
	userID, orderID, err := requireIDs(userID, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if !price.IsPositive() {
		return schema.Order{}, errs.Validation(component, "price must be positive")
	}

	var committed schema.Order
	err = c.locked(ctx, userID, func(ctx context.Context, tx orderstore.Tx) error {
		current, err := lockOwned(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if err := requireStatus(current, schema.StatusPending, "only pending orders can be modified"); err != nil {
			return err
		}
		if err := validateLegs(current.Side, price, current.StopLoss, current.TakeProfit); err != nil {
			return err
		}
		current.RequestedPrice = cloneLevel(&price)
		current.UpdatedAt = c.now().UTC()
		committed = current
		return tx.UpdateOrder(ctx, current)
	})
	if err != nil {
		return schema.Order{}, err
	}
	c.rearm(ctx, traceID, committed)
	observability.Log().Info("pending order modified",
		observability.Field{Key: "trace_id", Value: traceID},
		observability.Field{Key: "order_id", Value: committed.OrderID},
		observability.Field{Key: "price", Value: price.String()},
	)
	return committed, nil
}

// rearm drops the order's armed legs and arms the ones its committed state implies.
func (c *Coordinator) rearm(ctx context.Context, traceID string, order schema.Order) {
	if h := c.arming.Load(); h != nil {
		h.Disarm(order.OrderID)
	}
	c.settle(ctx, traceID, order, schema.EventOrderModified)
}

// armedStale rejects a trigger whose armed level no longer matches the order,
// which happens when the order was modified while the trigger was in flight.
func armedStale(order schema.Order, armed schema.ArmedOrder) error {
	if armed.Price.IsZero() {
		return nil
	}
	var level *decimal.Decimal
	switch armed.Leg {
	case schema.LegEntry:
		level = order.RequestedPrice
	case schema.LegStopLoss:
		level = order.StopLoss
	case schema.LegTakeProfit:
		level = order.TakeProfit
	}
	if level != nil && level.Equal(armed.Price) {
		return nil
	}
	return errs.New(component, errs.CodeConflict,
		errs.WithMessage("armed level no longer matches order"),
		errs.WithField("order_id", order.OrderID),
		errs.WithField("leg", string(armed.Leg)),
		errs.WithField("armed_price", armed.Price.String()),
	)
}

func cloneLevel(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func levelString(v *decimal.Decimal) string {
	if v == nil {
		return ""
	}
	return v.String()
}
