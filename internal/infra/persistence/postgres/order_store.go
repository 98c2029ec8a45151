package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
)

const (
	orderColumns = `
    order_id,
    user_id,
    symbol,
    side,
    kind,
    quantity::text,
    requested_price::text,
    executed_price::text,
    margin_used::text,
    commission::text,
    stop_loss::text,
    take_profit::text,
    COALESCE(stop_loss_id, ''),
    COALESCE(take_profit_id, ''),
    status,
    reject_reason,
    close_price::text,
    net_profit::text,
    close_reason,
    created_at,
    updated_at,
    closed_at
`

	orderInsertSQL = `
INSERT INTO orders (
    order_id,
    user_id,
    symbol,
    side,
    kind,
    quantity,
    requested_price,
    executed_price,
    margin_used,
    commission,
    stop_loss,
    take_profit,
    stop_loss_id,
    take_profit_id,
    status,
    reject_reason,
    close_price,
    net_profit,
    close_reason,
    created_at,
    updated_at,
    closed_at
)
VALUES (
    @order_id,
    @user_id,
    @symbol,
    @side,
    @kind,
    @quantity,
    @requested_price,
    @executed_price,
    @margin_used,
    @commission,
    @stop_loss,
    @take_profit,
    @stop_loss_id,
    @take_profit_id,
    @status,
    @reject_reason,
    @close_price,
    @net_profit,
    @close_reason,
    @created_at,
    @updated_at,
    @closed_at
)
ON CONFLICT (order_id) DO NOTHING;
`

	orderUpdateSQL = `
UPDATE orders
SET executed_price = @executed_price,
    margin_used = @margin_used,
    commission = @commission,
    stop_loss_id = @stop_loss_id,
    take_profit_id = @take_profit_id,
    status = @status,
    reject_reason = @reject_reason,
    close_price = @close_price,
    net_profit = @net_profit,
    close_reason = @close_reason,
    updated_at = @updated_at,
    closed_at = @closed_at
WHERE order_id = @order_id;
`

	orderByIDSQL  = `SELECT` + orderColumns + `FROM orders WHERE order_id = @order_id`
	orderLockSQL  = orderByIDSQL + ` FOR UPDATE`
	openOrdersSQL = `SELECT` + orderColumns + `FROM orders
WHERE user_id = @user_id
  AND status = 'OPEN'
  AND (@symbol::text = '' OR symbol = @symbol)
ORDER BY length(order_id), order_id`
	armableOrdersSQL = `SELECT` + orderColumns + `FROM orders
WHERE status = 'PENDING'
   OR (status = 'OPEN' AND (stop_loss IS NOT NULL OR take_profit IS NOT NULL))
ORDER BY length(order_id), order_id`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (schema.Order, error) {
	var order schema.Order
	var side, kind, status string
	var quantity, executed, marginUsed, commission, closePrice, net string
	var requested, stopLoss, takeProfit *string
	var closedAt *time.Time
	if err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&order.Symbol,
		&side,
		&kind,
		&quantity,
		&requested,
		&executed,
		&marginUsed,
		&commission,
		&stopLoss,
		&takeProfit,
		&order.StopLossID,
		&order.TakeProfitID,
		&status,
		&order.RejectReason,
		&closePrice,
		&net,
		&order.CloseReason,
		&order.CreatedAt,
		&order.UpdatedAt,
		&closedAt,
	); err != nil {
		return schema.Order{}, err
	}
	order.Side = schema.Side(side)
	order.Kind = schema.OrderKind(kind)
	order.Status = schema.OrderStatus(status)
	order.ClosedAt = closedAt

	var err error
	if order.Quantity, err = decimalFromText(quantity); err != nil {
		return schema.Order{}, fmt.Errorf("order store: quantity: %w", err)
	}
	if order.ExecutedPrice, err = decimalFromText(executed); err != nil {
		return schema.Order{}, fmt.Errorf("order store: executed price: %w", err)
	}
	if order.MarginUsed, err = decimalFromText(marginUsed); err != nil {
		return schema.Order{}, fmt.Errorf("order store: margin used: %w", err)
	}
	if order.Commission, err = decimalFromText(commission); err != nil {
		return schema.Order{}, fmt.Errorf("order store: commission: %w", err)
	}
	if order.ClosePrice, err = decimalFromText(closePrice); err != nil {
		return schema.Order{}, fmt.Errorf("order store: close price: %w", err)
	}
	if order.NetProfit, err = decimalFromText(net); err != nil {
		return schema.Order{}, fmt.Errorf("order store: net profit: %w", err)
	}
	if order.RequestedPrice, err = decimalFromOptional(requested); err != nil {
		return schema.Order{}, fmt.Errorf("order store: requested price: %w", err)
	}
	if order.StopLoss, err = decimalFromOptional(stopLoss); err != nil {
		return schema.Order{}, fmt.Errorf("order store: stop loss: %w", err)
	}
	if order.TakeProfit, err = decimalFromOptional(takeProfit); err != nil {
		return schema.Order{}, fmt.Errorf("order store: take profit: %w", err)
	}
	return order, nil
}

func orderNotFound(orderID string) error {
	return errs.New(component, errs.CodeNotFound,
		errs.WithMessage("order not found"),
		errs.WithField("id", orderID),
	)
}

func getOrderWith(ctx context.Context, q querier, query, orderID string) (schema.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, query, pgx.NamedArgs{"order_id": orderID}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, orderNotFound(orderID)
		}
		return schema.Order{}, fmt.Errorf("order store: get order: %w", err)
	}
	return order, nil
}

func listOrdersWith(ctx context.Context, q querier, query string, args pgx.NamedArgs) ([]schema.Order, error) {
	rows, err := q.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

func orderArgs(order schema.Order) (pgx.NamedArgs, error) {
	args := pgx.NamedArgs{
		"order_id":       order.OrderID,
		"user_id":        order.UserID,
		"symbol":         schema.NormalizeSymbol(order.Symbol),
		"side":           string(order.Side),
		"kind":           string(order.Kind),
		"stop_loss_id":   nullableString(order.StopLossID),
		"take_profit_id": nullableString(order.TakeProfitID),
		"status":         string(order.Status),
		"reject_reason":  order.RejectReason,
		"close_reason":   order.CloseReason,
		"created_at":     order.CreatedAt.UTC(),
		"updated_at":     order.UpdatedAt.UTC(),
		"closed_at":      order.ClosedAt,
	}
	required := map[string]decimal.Decimal{
		"quantity":       order.Quantity,
		"executed_price": order.ExecutedPrice,
		"margin_used":    order.MarginUsed,
		"commission":     order.Commission,
		"close_price":    order.ClosePrice,
		"net_profit":     order.NetProfit,
	}
	for name, value := range required {
		num, err := numericFromDecimal(value)
		if err != nil {
			return nil, fmt.Errorf("order store: %s: %w", name, err)
		}
		args[name] = num
	}
	optional := map[string]*decimal.Decimal{
		"requested_price": order.RequestedPrice,
		"stop_loss":       order.StopLoss,
		"take_profit":     order.TakeProfit,
	}
	for name, value := range optional {
		num, err := numericFromOptional(value)
		if err != nil {
			return nil, fmt.Errorf("order store: %s: %w", name, err)
		}
		args[name] = num
	}
	return args, nil
}

// GetOrder returns one order.
func (s *Store) GetOrder(ctx context.Context, orderID string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	return getOrderWith(ctx, pool, orderByIDSQL, strings.TrimSpace(orderID))
}

// GetOpenOrders lists the user's open orders, optionally filtered by symbol.
func (s *Store) GetOpenOrders(ctx context.Context, userID, symbol string) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return listOrdersWith(ctx, pool, openOrdersSQL, pgx.NamedArgs{
		"user_id": userID,
		"symbol":  schema.NormalizeSymbol(symbol),
	})
}

// ListArmable returns pending orders and open orders carrying SL/TP legs.
func (s *Store) ListArmable(ctx context.Context) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return listOrdersWith(ctx, pool, armableOrdersSQL, nil)
}

func (t *storeTx) LockOrder(ctx context.Context, orderID string) (schema.Order, error) {
	return getOrderWith(ctx, t.tx, orderLockSQL, strings.TrimSpace(orderID))
}

func (t *storeTx) OpenOrders(ctx context.Context, userID, symbol string) ([]schema.Order, error) {
	return listOrdersWith(ctx, t.tx, openOrdersSQL, pgx.NamedArgs{
		"user_id": userID,
		"symbol":  schema.NormalizeSymbol(symbol),
	})
}

func (t *storeTx) PersistOrder(ctx context.Context, order schema.Order) error {
	if strings.TrimSpace(order.OrderID) == "" {
		return errs.Validation(component, "order id required")
	}
	args, err := orderArgs(order)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, orderInsertSQL, args)
	if err != nil {
		return fmt.Errorf("order store: insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("order already exists"),
			errs.WithField("id", order.OrderID),
		)
	}
	return nil
}

func (t *storeTx) UpdateOrder(ctx context.Context, order schema.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderNotFound(order.OrderID)
	}
	return nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
