// Package orderstore defines the collaborator contracts the order engine consumes.
package orderstore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/internal/domain/schema"
)

// AccountReader reads account snapshots outside any lock.
type AccountReader interface {
	GetUserAccount(ctx context.Context, userID string) (schema.Account, error)
}

// SymbolDirectory resolves per-symbol trading configuration.
type SymbolDirectory interface {
	GetSymbolConfig(ctx context.Context, symbol string) (schema.SymbolConfig, error)
}

// PriceSource returns the latest two-sided price together with its timestamp.
type PriceSource interface {
	GetLatestPrice(ctx context.Context, symbol string) (schema.Quote, error)
}

// OrderReader reads orders without locking.
type OrderReader interface {
	// GetOpenOrders lists the user's open orders on symbol, or on every symbol when symbol is empty.
	GetOpenOrders(ctx context.Context, userID, symbol string) ([]schema.Order, error)
	GetOrder(ctx context.Context, orderID string) (schema.Order, error)
	// ListArmable returns every pending entry order and every open order carrying SL/TP legs.
	ListArmable(ctx context.Context) ([]schema.Order, error)
}

// Tx is the atomic unit for mutations performed under the per-user lock.
type Tx interface {
	// LockAccount re-reads the authoritative account row and holds it until commit.
	LockAccount(ctx context.Context, userID string) (schema.Account, error)
	// LockOrder re-reads an order row and holds it until commit.
	LockOrder(ctx context.Context, orderID string) (schema.Order, error)
	// OpenOrders lists the user's open orders on the symbol inside the transaction.
	OpenOrders(ctx context.Context, userID, symbol string) ([]schema.Order, error)
	PersistOrder(ctx context.Context, order schema.Order) error
	UpdateOrder(ctx context.Context, order schema.Order) error
	// PersistMarginUpdate adds marginDelta to used margin and balanceDelta to balance.
	PersistMarginUpdate(ctx context.Context, userID string, marginDelta, balanceDelta decimal.Decimal) error
}

// Store is the full persistence surface used by the coordinator.
type Store interface {
	AccountReader
	OrderReader
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
}
