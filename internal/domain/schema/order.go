// Package schema defines the canonical trading types shared by the order engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side enumerates the directional class of an order.
type Side string

const (
	// SideBuy prices against the ask.
	SideBuy Side = "BUY"
	// SideSell prices against the bid.
	SideSell Side = "SELL"
)

// ParseSide normalises a side string.
func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind enumerates supported order kinds.
type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
	KindStop   OrderKind = "STOP"
)

// Valid reports whether the kind is known.
func (k OrderKind) Valid() bool {
	switch k {
	case KindMarket, KindLimit, KindStop:
		return true
	default:
		return false
	}
}

// Pending reports whether orders of this kind wait for a price condition before opening.
func (k OrderKind) Pending() bool {
	return k == KindLimit || k == KindStop
}

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusOpen      OrderStatus = "OPEN"
	StatusRejected  OrderStatus = "REJECTED"
	StatusTriggered OrderStatus = "TRIGGERED"
	StatusClosed    OrderStatus = "CLOSED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusClosed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Leg identifies which armed condition of an order a trigger refers to.
type Leg string

const (
	LegEntry      Leg = "ENTRY"
	LegStopLoss   Leg = "STOP_LOSS"
	LegTakeProfit Leg = "TAKE_PROFIT"
)

// Order is the persisted order record.
type Order struct {
	OrderID        string           `json:"orderId"`
	UserID         string           `json:"userId"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Kind           OrderKind        `json:"kind"`
	Quantity       decimal.Decimal  `json:"quantity"`
	RequestedPrice *decimal.Decimal `json:"requestedPrice,omitempty"`
	ExecutedPrice  decimal.Decimal  `json:"executedPrice"`
	MarginUsed     decimal.Decimal  `json:"marginUsed"`
	Commission     decimal.Decimal  `json:"commission"`
	StopLoss       *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"takeProfit,omitempty"`
	StopLossID     string           `json:"stopLossId,omitempty"`
	TakeProfitID   string           `json:"takeProfitId,omitempty"`
	Status         OrderStatus      `json:"status"`
	RejectReason   string           `json:"rejectReason,omitempty"`
	ClosePrice     decimal.Decimal  `json:"closePrice"`
	NetProfit      decimal.Decimal  `json:"netProfit"`
	CloseReason    string           `json:"closeReason,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	ClosedAt       *time.Time       `json:"closedAt,omitempty"`
}

// EntryPrice returns the price the position was opened at, or the requested price while pending.
func (o Order) EntryPrice() decimal.Decimal {
	if !o.ExecutedPrice.IsZero() {
		return o.ExecutedPrice
	}
	if o.RequestedPrice != nil {
		return *o.RequestedPrice
	}
	return decimal.Zero
}

// PlaceOrderRequest is the inbound order placement payload.
type PlaceOrderRequest struct {
	UserID     string           `json:"userId"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Kind       OrderKind        `json:"kind"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	StopLoss   *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit *decimal.Decimal `json:"takeProfit,omitempty"`
}

// OrderResult is returned to callers once the locked commit finishes.
type OrderResult struct {
	OrderID       string          `json:"orderId"`
	Status        OrderStatus     `json:"status"`
	MarginUsed    decimal.Decimal `json:"marginUsed"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	Commission    decimal.Decimal `json:"commission"`
	StopLossID    string          `json:"stopLossId,omitempty"`
	TakeProfitID  string          `json:"takeProfitId,omitempty"`
	NetProfit     decimal.Decimal `json:"netProfit"`
	RejectReason  string          `json:"rejectReason,omitempty"`
}

// ResultFromOrder projects a persisted order into the caller-facing result.
func ResultFromOrder(order Order) OrderResult {
	return OrderResult{
		OrderID:       order.OrderID,
		Status:        order.Status,
		MarginUsed:    order.MarginUsed,
		ExecutedPrice: order.ExecutedPrice,
		Commission:    order.Commission,
		StopLossID:    order.StopLossID,
		TakeProfitID:  order.TakeProfitID,
		NetProfit:     order.NetProfit,
		RejectReason:  order.RejectReason,
	}
}

// ArmedOrder is one entry of the armed order index: a pending entry order or an SL/TP leg.
type ArmedOrder struct {
	OrderID string          `json:"orderId"`
	LegID   string          `json:"legId"`
	UserID  string          `json:"userId"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Kind    OrderKind       `json:"kind"`
	Leg     Leg             `json:"leg"`
	Price   decimal.Decimal `json:"price"`
}

// Key uniquely identifies the armed entry.
func (a ArmedOrder) Key() string {
	return a.OrderID + "/" + string(a.Leg)
}

// ArmedFromOrder derives the armed entries implied by the order's current status.
// Pending LIMIT/STOP orders arm their entry; open orders arm their SL/TP legs.
func ArmedFromOrder(order Order) []ArmedOrder {
	base := ArmedOrder{
		OrderID: order.OrderID,
		UserID:  order.UserID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Kind:    order.Kind,
	}
	switch order.Status {
	case StatusPending:
		if !order.Kind.Pending() || order.RequestedPrice == nil {
			return nil
		}
		entry := base
		entry.Leg = LegEntry
		entry.LegID = order.OrderID
		entry.Price = *order.RequestedPrice
		return []ArmedOrder{entry}
	case StatusOpen:
		var out []ArmedOrder
		if order.StopLoss != nil {
			leg := base
			leg.Leg = LegStopLoss
			leg.LegID = order.StopLossID
			leg.Price = *order.StopLoss
			out = append(out, leg)
		}
		if order.TakeProfit != nil {
			leg := base
			leg.Leg = LegTakeProfit
			leg.LegID = order.TakeProfitID
			leg.Price = *order.TakeProfit
			out = append(out, leg)
		}
		return out
	default:
		return nil
	}
}
