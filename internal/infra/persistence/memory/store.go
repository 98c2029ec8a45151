// Package memory provides an in-process implementation of the order store used
// by tests and by the engine when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/orderstore"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/infra/persistence"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/internal/userlock"
)

const (
	component     = "memory-store"
	rowLockShards = 16
)

// Store keeps accounts, orders, symbol configs and issued ids in maps.
// Transactions are staged and nothing is visible until commit. A transaction
// holds the row lock of every user it touches until it ends, so writers of the
// same user serialise while unrelated users commit independently.
type Store struct {
	mu       sync.RWMutex
	rows     *userlock.Manager
	accounts map[string]schema.Account
	orders   map[string]schema.Order
	symbols  map[string]schema.SymbolConfig
	ids      map[string]idgen.Kind
}

var _ persistence.Backend = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		rows:     userlock.NewManager(rowLockShards),
		accounts: make(map[string]schema.Account),
		orders:   make(map[string]schema.Order),
		symbols:  make(map[string]schema.SymbolConfig),
		ids:      make(map[string]idgen.Kind),
	}
}

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(acct schema.Account) {
	s.mu.Lock()
	s.accounts[acct.UserID] = acct
	s.mu.Unlock()
}

// PutSymbol inserts or replaces a symbol configuration.
func (s *Store) PutSymbol(cfg schema.SymbolConfig) {
	cfg.Symbol = schema.NormalizeSymbol(cfg.Symbol)
	s.mu.Lock()
	s.symbols[cfg.Symbol] = cfg
	s.mu.Unlock()
}

// PutOrder inserts or replaces an order outside any transaction.
func (s *Store) PutOrder(order schema.Order) {
	s.mu.Lock()
	s.orders[order.OrderID] = cloneOrder(order)
	s.mu.Unlock()
}

func notFound(what, id string) error {
	return errs.New(component, errs.CodeNotFound,
		errs.WithMessage(what+" not found"),
		errs.WithField("id", id),
	)
}

// GetUserAccount returns the account snapshot.
func (s *Store) GetUserAccount(_ context.Context, userID string) (schema.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return schema.Account{}, notFound("account", userID)
	}
	return acct, nil
}

// GetSymbolConfig returns the symbol configuration.
func (s *Store) GetSymbolConfig(_ context.Context, symbol string) (schema.SymbolConfig, error) {
	symbol = schema.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.symbols[symbol]
	if !ok {
		return schema.SymbolConfig{}, notFound("symbol", symbol)
	}
	return cfg, nil
}

// GetOrder returns one order.
func (s *Store) GetOrder(_ context.Context, orderID string) (schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return schema.Order{}, notFound("order", orderID)
	}
	return cloneOrder(order), nil
}

// GetOpenOrders lists open orders of the user, optionally filtered by symbol.
func (s *Store) GetOpenOrders(_ context.Context, userID, symbol string) ([]schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openOrders(s.orders, nil, userID, schema.NormalizeSymbol(symbol)), nil
}

// ListArmable returns pending orders and open orders with SL/TP legs.
func (s *Store) ListArmable(_ context.Context) ([]schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Order
	for _, o := range s.orders {
		switch {
		case o.Status == schema.StatusPending:
		case o.Status == schema.StatusOpen && (o.StopLoss != nil || o.TakeProfit != nil):
		default:
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sortOrders(out)
	return out, nil
}

// Reserve claims an id in the shared namespace.
func (s *Store) Reserve(_ context.Context, id string, kind idgen.Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false, nil
	}
	s.ids[id] = kind
	return true, nil
}

// WithTransaction runs fn against a staged view and applies it only when fn succeeds.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return errs.Validation(component, "transaction function required")
	}
	staged := &tx{
		store:    s,
		held:     make(map[string]*userlock.Guard),
		accounts: make(map[string]schema.Account),
		orders:   make(map[string]schema.Order),
	}
	defer staged.release()

	if err := fn(ctx, staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, acct := range staged.accounts {
		s.accounts[id] = acct
	}
	for id, order := range staged.orders {
		s.orders[id] = order
	}
	return nil
}

type tx struct {
	store    *Store
	held     map[string]*userlock.Guard
	accounts map[string]schema.Account
	orders   map[string]schema.Order
}

// lockUser takes the user's row lock for the rest of the transaction.
func (t *tx) lockUser(ctx context.Context, userID string) error {
	if _, ok := t.held[userID]; ok {
		return nil
	}
	guard, err := t.store.rows.Acquire(ctx, userID, 0)
	if err != nil {
		return err
	}
	t.held[userID] = guard
	return nil
}

func (t *tx) release() {
	for id, guard := range t.held {
		guard.Release()
		delete(t.held, id)
	}
}

func (t *tx) account(ctx context.Context, userID string) (schema.Account, error) {
	if err := t.lockUser(ctx, userID); err != nil {
		return schema.Account{}, err
	}
	if acct, ok := t.accounts[userID]; ok {
		return acct, nil
	}
	return t.store.GetUserAccount(ctx, userID)
}

func (t *tx) LockAccount(ctx context.Context, userID string) (schema.Account, error) {
	acct, err := t.account(ctx, userID)
	if err != nil {
		return schema.Account{}, err
	}
	t.accounts[userID] = acct
	return acct, nil
}

func (t *tx) LockOrder(ctx context.Context, orderID string) (schema.Order, error) {
	if order, ok := t.orders[orderID]; ok {
		return cloneOrder(order), nil
	}
	order, err := t.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if _, ok := t.held[order.UserID]; ok {
		return order, nil
	}
	if err := t.lockUser(ctx, order.UserID); err != nil {
		return schema.Order{}, err
	}
	// Re-read once the row lock is held; a concurrent commit may have changed it.
	return t.store.GetOrder(ctx, orderID)
}

func (t *tx) OpenOrders(_ context.Context, userID, symbol string) ([]schema.Order, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return openOrders(t.store.orders, t.orders, userID, schema.NormalizeSymbol(symbol)), nil
}

func (t *tx) PersistOrder(ctx context.Context, order schema.Order) error {
	if order.OrderID == "" {
		return errs.Validation(component, "order id required")
	}
	if err := t.lockUser(ctx, order.UserID); err != nil {
		return err
	}
	if _, ok := t.orders[order.OrderID]; ok {
		return errs.New(component, errs.CodeConflict, errs.WithMessage("order already exists"), errs.WithField("id", order.OrderID))
	}
	t.store.mu.RLock()
	_, exists := t.store.orders[order.OrderID]
	t.store.mu.RUnlock()
	if exists {
		return errs.New(component, errs.CodeConflict, errs.WithMessage("order already exists"), errs.WithField("id", order.OrderID))
	}
	t.orders[order.OrderID] = cloneOrder(order)
	return nil
}

func (t *tx) UpdateOrder(ctx context.Context, order schema.Order) error {
	if err := t.lockUser(ctx, order.UserID); err != nil {
		return err
	}
	if _, ok := t.orders[order.OrderID]; !ok {
		if _, err := t.store.GetOrder(ctx, order.OrderID); err != nil {
			return err
		}
	}
	t.orders[order.OrderID] = cloneOrder(order)
	return nil
}

func (t *tx) PersistMarginUpdate(ctx context.Context, userID string, marginDelta, balanceDelta decimal.Decimal) error {
	acct, err := t.account(ctx, userID)
	if err != nil {
		return err
	}
	used := acct.UsedMargin.Add(marginDelta)
	if used.IsNegative() {
		observability.Log().Error("used margin would go negative",
			observability.Field{Key: "user_id", Value: userID},
			observability.Field{Key: "used_margin", Value: acct.UsedMargin.String()},
			observability.Field{Key: "margin_delta", Value: marginDelta.String()},
		)
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("used margin would go negative"),
			errs.WithField("user_id", userID),
			errs.WithField("margin_delta", marginDelta.String()),
		)
	}
	acct.UsedMargin = used
	acct.Balance = acct.Balance.Add(balanceDelta)
	t.accounts[userID] = acct
	return nil
}

func openOrders(base, staged map[string]schema.Order, userID, symbol string) []schema.Order {
	var out []schema.Order
	match := func(o schema.Order) bool {
		return o.UserID == userID && o.Status == schema.StatusOpen && (symbol == "" || o.Symbol == symbol)
	}
	for id, o := range base {
		if s, ok := staged[id]; ok {
			o = s
		}
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	for id, o := range staged {
		if _, ok := base[id]; ok {
			continue
		}
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sortOrders(out)
	return out
}

func sortOrders(orders []schema.Order) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i].OrderID, orders[j].OrderID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneOrder(o schema.Order) schema.Order {
	o.RequestedPrice = cloneDecimal(o.RequestedPrice)
	o.StopLoss = cloneDecimal(o.StopLoss)
	o.TakeProfit = cloneDecimal(o.TakeProfit)
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		o.ClosedAt = &t
	}
	return o
}
