package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the authoritative financial state of a user.
type Account struct {
	UserID     string          `json:"userId"`
	Balance    decimal.Decimal `json:"balance"`
	UsedMargin decimal.Decimal `json:"usedMargin"`
	Group      string          `json:"group"`
	Leverage   decimal.Decimal `json:"leverage"`
	Currency   string          `json:"currency"`
}

// FreeMargin returns balance minus used margin.
func (a Account) FreeMargin() decimal.Decimal {
	return a.Balance.Sub(a.UsedMargin)
}

// ApplyTo returns cfg with the account leverage in place of the symbol's when
// the account carries one.
func (a Account) ApplyTo(cfg SymbolConfig) SymbolConfig {
	if a.Leverage.IsPositive() {
		cfg.Leverage = a.Leverage
	}
	return cfg
}

// CanAfford reports whether committing delta keeps used margin within the balance.
func (a Account) CanAfford(delta decimal.Decimal) bool {
	return a.UsedMargin.Add(delta).LessThanOrEqual(a.Balance)
}

// MarginMode selects how open positions on one symbol contribute margin.
type MarginMode string

const (
	// MarginModeSum charges every open position independently.
	MarginModeSum MarginMode = "sum"
	// MarginModeHedged charges the larger side only, priced at the highest margin per lot.
	MarginModeHedged MarginMode = "hedged"
)

// CommissionType selects how commission is charged.
type CommissionType string

const (
	CommissionNone    CommissionType = ""
	CommissionPerLot  CommissionType = "per_lot"
	CommissionPercent CommissionType = "percent"
)

// SymbolConfig is the trading configuration of one instrument for the user's group.
type SymbolConfig struct {
	Symbol          string          `json:"symbol"`
	ContractSize    decimal.Decimal `json:"contractSize"`
	Leverage        decimal.Decimal `json:"leverage"`
	QuoteCurrency   string          `json:"quoteCurrency"`
	MarginPrecision int32           `json:"marginPrecision"`
	MarginMode      MarginMode      `json:"marginMode"`
	CommissionType  CommissionType  `json:"commissionType"`
	CommissionRate  decimal.Decimal `json:"commissionRate"`
}

// Quote is the latest two-sided reference price for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age reports how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	if q.Timestamp.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(q.Timestamp)
}

// PriceFor returns the side of the quote an order of the given side trades against.
func (q Quote) PriceFor(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// PriceTick is one timestamped price update from the feed.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// Quote converts the tick into a quote.
func (t PriceTick) Quote() Quote {
	return Quote{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Timestamp: t.Timestamp}
}

// NormalizeSymbol upper-cases and trims a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// OrderEventType enumerates published order lifecycle notifications.
type OrderEventType string

const (
	EventOrderOpened    OrderEventType = "order.opened"
	EventOrderPending   OrderEventType = "order.pending"
	EventOrderRejected  OrderEventType = "order.rejected"
	EventOrderTriggered OrderEventType = "order.triggered"
	EventOrderClosed    OrderEventType = "order.closed"
	EventOrderCancelled OrderEventType = "order.cancelled"
	EventOrderModified  OrderEventType = "order.modified"
)

// OrderEvent is the notification published after a committed order transition.
type OrderEvent struct {
	Type       OrderEventType `json:"type"`
	TraceID    string         `json:"traceId"`
	Order      Order          `json:"order"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// EventTypeFor maps an order status to its notification type.
func EventTypeFor(status OrderStatus) OrderEventType {
	switch status {
	case StatusOpen:
		return EventOrderOpened
	case StatusPending:
		return EventOrderPending
	case StatusRejected:
		return EventOrderRejected
	case StatusTriggered:
		return EventOrderTriggered
	case StatusClosed:
		return EventOrderClosed
	default:
		return EventOrderCancelled
	}
}
