package coordinator

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/orderstore"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/infra/kvcache"
	"github.com/coachpo/tradecore/internal/margin"
	"github.com/coachpo/tradecore/internal/observability"
)

const (
	closeReasonStopLoss   = "stop_loss"
	closeReasonTakeProfit = "take_profit"
)

func closeReasonFor(leg schema.Leg) string {
	if leg == schema.LegStopLoss {
		return closeReasonStopLoss
	}
	return closeReasonTakeProfit
}

// ExecuteTrigger commits a fired armed entry. Entry legs open the pending order at
// the tick price; SL/TP legs close the open position and realise its PnL.
func (c *Coordinator) ExecuteTrigger(ctx context.Context, armed schema.ArmedOrder, tick schema.PriceTick) (schema.OrderResult, error) {
	traceID := uuid.NewString()
	var (
		order *schema.Order
		err   error
	)
	switch armed.Leg {
	case schema.LegEntry:
		order, err = c.openPending(ctx, traceID, armed, tick)
	case schema.LegStopLoss, schema.LegTakeProfit:
		order, err = c.closeLeg(ctx, traceID, armed, tick)
	default:
		err = errs.Validation(component, "unknown leg", errs.WithField("leg", string(armed.Leg)))
	}
	c.metrics.recordOperation(ctx, opTrigger, err)
	if err != nil {
		observability.Log().Info("trigger execution failed",
			observability.Field{Key: "trace_id", Value: traceID},
			observability.Field{Key: "order_id", Value: armed.OrderID},
			observability.Field{Key: "leg", Value: string(armed.Leg)},
			observability.Field{Key: "error", Value: err},
		)
	}
	if order == nil {
		return schema.OrderResult{}, err
	}
	return schema.ResultFromOrder(*order), err
}

// entryState rejects entry triggers for orders that are no longer pending.
func entryState(order schema.Order) error {
	switch order.Status {
	case schema.StatusPending:
		return nil
	case schema.StatusOpen, schema.StatusTriggered, schema.StatusClosed:
		if !order.ExecutedPrice.IsZero() {
			return errs.New(component, errs.CodeDuplicateTrigger,
				errs.WithMessage("entry already executed"),
				errs.WithField("order_id", order.OrderID),
				errs.WithField("status", string(order.Status)),
			)
		}
	}
	return errs.New(component, errs.CodeConflict,
		errs.WithMessage("order is not pending"),
		errs.WithField("order_id", order.OrderID),
		errs.WithField("status", string(order.Status)),
	)
}

// legState rejects SL/TP triggers for orders that are no longer open.
func legState(order schema.Order, leg schema.Leg) error {
	switch {
	case order.Status == schema.StatusOpen:
		return nil
	case order.Status == schema.StatusClosed && order.CloseReason == closeReasonFor(leg):
		return errs.New(component, errs.CodeDuplicateTrigger,
			errs.WithMessage("leg already executed"),
			errs.WithField("order_id", order.OrderID),
			errs.WithField("leg", string(leg)),
		)
	default:
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("order is not open"),
			errs.WithField("order_id", order.OrderID),
			errs.WithField("status", string(order.Status)),
		)
	}
}

func (c *Coordinator) triggerInputs(ctx context.Context, orderID string) (schema.Order, schema.SymbolConfig, schema.Account, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, schema.SymbolConfig{}, schema.Account{}, err
	}
	cfg, err := c.symbols.GetSymbolConfig(ctx, order.Symbol)
	if err != nil {
		return schema.Order{}, schema.SymbolConfig{}, schema.Account{}, err
	}
	acct, err := c.store.GetUserAccount(ctx, order.UserID)
	if err != nil {
		return schema.Order{}, schema.SymbolConfig{}, schema.Account{}, err
	}
	if cfg.Symbol == "" {
		cfg.Symbol = order.Symbol
	}
	return order, cfg, acct, nil
}

func (c *Coordinator) openPending(ctx context.Context, traceID string, armed schema.ArmedOrder, tick schema.PriceTick) (*schema.Order, error) {
	order, cfg, acct, err := c.triggerInputs(ctx, armed.OrderID)
	if err != nil {
		return nil, err
	}
	if err := entryState(order); err != nil {
		return nil, err
	}
	price := tick.Quote().PriceFor(order.Side)
	p, err := c.price(ctx, acct, cfg, order.Quantity, price)
	if err != nil {
		return nil, err
	}

	var (
		committed schema.Order
		rejection error
		delta     decimal.Decimal
	)
	err = c.locked(ctx, order.UserID, func(ctx context.Context, tx orderstore.Tx) error {
		current, err := tx.LockOrder(ctx, order.OrderID)
		if err != nil {
			return err
		}
		if err := entryState(current); err != nil {
			return err
		}
		if err := armedStale(current, armed); err != nil {
			return err
		}
		acct, err := tx.LockAccount(ctx, current.UserID)
		if err != nil {
			return err
		}
		open, err := tx.OpenOrders(ctx, current.UserID, current.Symbol)
		if err != nil {
			return err
		}
		plan := planMargin(cfg, open, current.Side, current.Quantity, p.required)
		delta = plan.delta
		current.UpdatedAt = c.now().UTC()
		if !acct.CanAfford(plan.delta) {
			rejection = insufficientMargin(acct, plan.delta)
			reject(&current, acct, plan.delta)
			committed = current
			return tx.UpdateOrder(ctx, current)
		}
		current.Status = schema.StatusOpen
		current.ExecutedPrice = price
		current.MarginUsed = p.required
		current.Commission = p.commission
		if err := tx.UpdateOrder(ctx, current); err != nil {
			return err
		}
		committed = current
		return tx.PersistMarginUpdate(ctx, current.UserID, plan.delta, decimal.Zero)
	})
	if err != nil {
		return nil, err
	}

	c.settle(ctx, traceID, committed, schema.EventTypeFor(committed.Status))
	observability.Log().Info("pending order executed",
		observability.Field{Key: "trace_id", Value: traceID},
		observability.Field{Key: "order_id", Value: committed.OrderID},
		observability.Field{Key: "status", Value: string(committed.Status)},
		observability.Field{Key: "price", Value: price.String()},
		observability.Field{Key: "margin_delta", Value: delta.String()},
	)
	return &committed, rejection
}

func (c *Coordinator) closeLeg(ctx context.Context, traceID string, armed schema.ArmedOrder, tick schema.PriceTick) (*schema.Order, error) {
	order, cfg, acct, err := c.triggerInputs(ctx, armed.OrderID)
	if err != nil {
		return nil, err
	}
	if err := legState(order, armed.Leg); err != nil {
		return nil, err
	}
	closePrice := tick.Quote().PriceFor(order.Side.Opposite())
	rate, err := c.rates.Resolve(ctx, cfg.QuoteCurrency, c.currencyOf(acct))
	if err != nil {
		return nil, err
	}

	var committed schema.Order
	err = c.locked(ctx, order.UserID, func(ctx context.Context, tx orderstore.Tx) error {
		current, err := tx.LockOrder(ctx, order.OrderID)
		if err != nil {
			return err
		}
		if err := legState(current, armed.Leg); err != nil {
			return err
		}
		if err := armedStale(current, armed); err != nil {
			return err
		}
		committed, err = c.closeInTx(ctx, tx, current, cfg, closePrice, rate, closeReasonFor(armed.Leg))
		return err
	})
	if err != nil {
		return nil, err
	}

	c.settle(ctx, traceID, committed, schema.EventOrderTriggered, schema.EventOrderClosed)
	observability.Log().Info("position closed",
		observability.Field{Key: "trace_id", Value: traceID},
		observability.Field{Key: "order_id", Value: committed.OrderID},
		observability.Field{Key: "reason", Value: committed.CloseReason},
		observability.Field{Key: "close_price", Value: closePrice.String()},
		observability.Field{Key: "net_profit", Value: committed.NetProfit.String()},
	)
	return &committed, nil
}

// closeInTx moves an open order through Triggered to Closed, releasing the margin
// it contributed and crediting the realised PnL net of commission.
func (c *Coordinator) closeInTx(ctx context.Context, tx orderstore.Tx, order schema.Order, cfg schema.SymbolConfig, closePrice, rate decimal.Decimal, reason string) (schema.Order, error) {
	if _, err := tx.LockAccount(ctx, order.UserID); err != nil {
		return order, err
	}
	open, err := tx.OpenOrders(ctx, order.UserID, order.Symbol)
	if err != nil {
		return order, err
	}
	precision := precisionOf(cfg)
	remaining := make([]schema.Order, 0, len(open))
	for _, o := range open {
		if o.OrderID != order.OrderID {
			remaining = append(remaining, o)
		}
	}
	before := margin.Contribution(cfg.MarginMode, margin.ExposuresOf(open), precision)
	after := margin.Contribution(cfg.MarginMode, margin.ExposuresOf(remaining), precision)
	release := margin.Delta(after, before)

	pnl := margin.RealizedPnL(cfg, order.Side, order.Quantity, order.EntryPrice(), closePrice, rate)
	net := pnl.Sub(order.Commission)

	now := c.now().UTC()
	order.Status = schema.StatusTriggered
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return order, err
	}
	order.Status = schema.StatusClosed
	order.ClosePrice = closePrice
	order.NetProfit = net
	order.CloseReason = reason
	order.ClosedAt = &now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return order, err
	}
	return order, tx.PersistMarginUpdate(ctx, order.UserID, release.Neg(), net)
}

// CancelOrder cancels a pending order and disarms its entry. Cancelling an
// already cancelled order returns it unchanged.
func (c *Coordinator) CancelOrder(ctx context.Context, userID, orderID string) (schema.OrderResult, error) {
	traceID := uuid.NewString()
	userID, orderID, err := requireIDs(userID, orderID)
	if err != nil {
		c.metrics.recordOperation(ctx, opCancel, err)
		return schema.OrderResult{}, err
	}

	var (
		committed schema.Order
		changed   bool
	)
	err = c.locked(ctx, userID, func(ctx context.Context, tx orderstore.Tx) error {
		current, err := lockOwned(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		switch current.Status {
		case schema.StatusCancelled:
			committed = current
			return nil
		case schema.StatusPending:
		default:
			return errs.New(component, errs.CodeConflict,
				errs.WithMessage("only pending orders can be cancelled"),
				errs.WithField("order_id", orderID),
				errs.WithField("status", string(current.Status)),
			)
		}
		now := c.now().UTC()
		current.Status = schema.StatusCancelled
		current.UpdatedAt = now
		current.ClosedAt = &now
		current.CloseReason = "cancelled"
		committed, changed = current, true
		return tx.UpdateOrder(ctx, current)
	})
	c.metrics.recordOperation(ctx, opCancel, err)
	if err != nil {
		return schema.OrderResult{}, err
	}
	if changed {
		c.settle(ctx, traceID, committed, schema.EventOrderCancelled)
	}
	return schema.ResultFromOrder(committed), nil
}

// settle runs the post-commit steps: index maintenance inline, cache and event
// work on the background queue.
func (c *Coordinator) settle(ctx context.Context, traceID string, order schema.Order, events ...schema.OrderEventType) {
	c.metrics.recordOrder(ctx, order)
	if h := c.arming.Load(); h != nil {
		if order.Status.Terminal() {
			h.Disarm(order.OrderID)
		} else {
			for _, leg := range schema.ArmedFromOrder(order) {
				h.Arm(leg)
			}
		}
	}
	if c.background == nil {
		return
	}
	if c.portfolio != nil {
		userID := order.UserID
		c.background.Enqueue("portfolio.refresh", func(ctx context.Context) error {
			err := c.refreshPortfolio(ctx, userID)
			c.metrics.recordTask(ctx, "portfolio.refresh", err)
			return err
		})
	}
	if c.events != nil {
		occurred := c.now().UTC()
		for _, typ := range events {
			evt := schema.OrderEvent{Type: typ, TraceID: traceID, Order: order, OccurredAt: occurred}
			c.background.Enqueue("order.event", func(ctx context.Context) error {
				err := c.events.PublishOrderEvent(ctx, evt)
				c.metrics.recordTask(ctx, "order.event", err)
				return err
			})
		}
	}
}

func (c *Coordinator) refreshPortfolio(ctx context.Context, userID string) error {
	acct, err := c.store.GetUserAccount(ctx, userID)
	if err != nil {
		return err
	}
	open, err := c.store.GetOpenOrders(ctx, userID, "")
	if err != nil {
		return err
	}
	return c.portfolio.StorePortfolio(ctx, kvcache.BuildPortfolio(acct, open, c.now().UTC()))
}
