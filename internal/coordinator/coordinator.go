// Package coordinator runs the order placement pipeline: parallel input fan-out,
// margin evaluation, and the per-user locked commit shared with the trigger engine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/orderstore"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/infra/kvcache"
	"github.com/coachpo/tradecore/internal/margin"
	"github.com/coachpo/tradecore/internal/observability"
	"github.com/coachpo/tradecore/internal/userlock"
	"github.com/coachpo/tradecore/lib/async"
)

const component = "coordinator"

const (
	opPlace   = "place"
	opTrigger = "trigger"
	opCancel  = "cancel"
	opClose   = "close"
	opModify  = "modify"

	defaultFanoutTimeout   = 250 * time.Millisecond
	defaultLockTimeout     = 200 * time.Millisecond
	defaultAccountCurrency = "USD"
)

// IDIssuer issues order and leg identifiers.
type IDIssuer interface {
	Generate(ctx context.Context, kind idgen.Kind) (string, error)
}

// RateResolver converts between a symbol's quote currency and the account currency.
type RateResolver interface {
	Resolve(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Arming receives the armed entries implied by committed orders.
type Arming interface {
	Arm(order schema.ArmedOrder)
	Disarm(orderID string)
}

// BackgroundQueue accepts fire-and-forget side effects.
type BackgroundQueue interface {
	Enqueue(name string, fn async.Task)
}

// PreTradeCheck rejects or throttles requests before any input is fetched.
type PreTradeCheck interface {
	CheckOrder(ctx context.Context, req schema.PlaceOrderRequest) error
}

// EventPublisher delivers committed order transitions.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, evt schema.OrderEvent) error
}

// PortfolioCache stores the recomputed portfolio of a user.
type PortfolioCache interface {
	StorePortfolio(ctx context.Context, snap kvcache.PortfolioSnapshot) error
}

// Config tunes the coordinator.
type Config struct {
	FanoutTimeout   time.Duration `yaml:"fanoutTimeout"`
	LockTimeout     time.Duration `yaml:"lockTimeout"`
	AccountCurrency string        `yaml:"accountCurrency"`
}

func (c Config) normalise() Config {
	if c.FanoutTimeout <= 0 {
		c.FanoutTimeout = defaultFanoutTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	c.AccountCurrency = strings.ToUpper(strings.TrimSpace(c.AccountCurrency))
	if c.AccountCurrency == "" {
		c.AccountCurrency = defaultAccountCurrency
	}
	return c
}

// Deps lists the collaborators. Store, Symbols, Prices, IDs, Rates and Locks are required.
type Deps struct {
	Store      orderstore.Store
	Symbols    orderstore.SymbolDirectory
	Prices     orderstore.PriceSource
	IDs        IDIssuer
	Rates      RateResolver
	Locks      *userlock.Manager
	Background BackgroundQueue
	Arming     Arming
	Risk       PreTradeCheck
	Events     EventPublisher
	Portfolio  PortfolioCache
	Clock      func() time.Time
}

type armingHolder struct{ Arming }

// Coordinator places orders and commits triggered ones.
type Coordinator struct {
	store      orderstore.Store
	symbols    orderstore.SymbolDirectory
	prices     orderstore.PriceSource
	ids        IDIssuer
	rates      RateResolver
	locks      *userlock.Manager
	background BackgroundQueue
	risk       PreTradeCheck
	events     EventPublisher
	portfolio  PortfolioCache
	arming     atomic.Pointer[armingHolder]

	cfg     Config
	now     func() time.Time
	metrics instruments
}

// New validates the dependencies and builds a coordinator.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	var missing []string
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Symbols == nil {
		missing = append(missing, "symbols")
	}
	if deps.Prices == nil {
		missing = append(missing, "prices")
	}
	if deps.IDs == nil {
		missing = append(missing, "ids")
	}
	if deps.Rates == nil {
		missing = append(missing, "rates")
	}
	if deps.Locks == nil {
		missing = append(missing, "locks")
	}
	if len(missing) > 0 {
		return nil, errs.New(component, errs.CodeValidation,
			errs.WithMessage("missing dependencies: "+strings.Join(missing, ", ")))
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Coordinator{
		store:      deps.Store,
		symbols:    deps.Symbols,
		prices:     deps.Prices,
		ids:        deps.IDs,
		rates:      deps.Rates,
		locks:      deps.Locks,
		background: deps.Background,
		risk:       deps.Risk,
		events:     deps.Events,
		portfolio:  deps.Portfolio,
		cfg:        cfg.normalise(),
		now:        clock,
		metrics:    newInstruments(),
	}
	c.SetArming(deps.Arming)
	return c, nil
}

// SetArming installs the trigger index receiver. The engine and the coordinator
// reference each other, so one side is wired after construction.
func (c *Coordinator) SetArming(a Arming) {
	if a == nil {
		c.arming.Store(nil)
		return
	}
	c.arming.Store(&armingHolder{a})
}

func (c *Coordinator) currencyOf(acct schema.Account) string {
	if cur := strings.ToUpper(strings.TrimSpace(acct.Currency)); cur != "" {
		return cur
	}
	return c.cfg.AccountCurrency
}

// PlaceOrder validates, prices, and commits a new order. A MARKET order opens at
// the current quote; LIMIT and STOP orders are stored pending and armed.
// A margin shortfall confirmed under the lock returns the persisted rejected
// order together with an insufficient_margin error.
func (c *Coordinator) PlaceOrder(ctx context.Context, req schema.PlaceOrderRequest) (schema.OrderResult, error) {
	start := time.Now()
	traceID := uuid.NewString()
	order, err := c.placeOrder(ctx, traceID, req)
	c.metrics.recordOperation(ctx, opPlace, err)
	c.metrics.recordPlace(ctx, time.Since(start))
	if err != nil {
		observability.Log().Info("order placement failed",
			observability.Field{Key: "trace_id", Value: traceID},
			observability.Field{Key: "user_id", Value: req.UserID},
			observability.Field{Key: "symbol", Value: req.Symbol},
			observability.Field{Key: "error", Value: err},
		)
	}
	if order == nil {
		return schema.OrderResult{}, err
	}
	return schema.ResultFromOrder(*order), err
}

func (c *Coordinator) placeOrder(ctx context.Context, traceID string, req schema.PlaceOrderRequest) (*schema.Order, error) {
	req, err := normaliseRequest(req)
	if err != nil {
		return nil, err
	}
	if c.risk != nil {
		if err := c.risk.CheckOrder(ctx, req); err != nil {
			return nil, err
		}
	}

	in, err := c.gather(ctx, req)
	if err != nil {
		return nil, err
	}

	price := in.quote.PriceFor(req.Side)
	if req.Kind.Pending() {
		price = *req.Price
	} else if err := validateLegs(req.Side, price, req.StopLoss, req.TakeProfit); err != nil {
		return nil, err
	}

	p, plan, err := c.evaluate(ctx, in, req.Side, req.Quantity, price)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	order := schema.Order{
		OrderID:        in.orderID,
		UserID:         req.UserID,
		Symbol:         in.symbol.Symbol,
		Side:           req.Side,
		Kind:           req.Kind,
		Quantity:       req.Quantity,
		RequestedPrice: req.Price,
		MarginUsed:     p.required,
		Commission:     p.commission,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		StopLossID:     in.stopLossID,
		TakeProfitID:   in.takeProfitID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var rejection error
	err = c.locked(ctx, req.UserID, func(ctx context.Context, tx orderstore.Tx) error {
		acct, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.Kind.Pending() {
			order.Status = schema.StatusPending
			return tx.PersistOrder(ctx, order)
		}
		open, err := tx.OpenOrders(ctx, req.UserID, order.Symbol)
		if err != nil {
			return err
		}
		if fresh := planMargin(in.symbol, open, order.Side, order.Quantity, p.required); !fresh.delta.Equal(plan.delta) {
			observability.Log().Debug("margin delta changed under lock",
				observability.Field{Key: "trace_id", Value: traceID},
				observability.Field{Key: "estimated", Value: plan.delta.String()},
				observability.Field{Key: "confirmed", Value: fresh.delta.String()},
			)
			plan = fresh
		}
		if !acct.CanAfford(plan.delta) {
			rejection = insufficientMargin(acct, plan.delta)
			reject(&order, acct, plan.delta)
			return tx.PersistOrder(ctx, order)
		}
		order.Status = schema.StatusOpen
		order.ExecutedPrice = price
		if err := tx.PersistOrder(ctx, order); err != nil {
			return err
		}
		return tx.PersistMarginUpdate(ctx, req.UserID, plan.delta, decimal.Zero)
	})
	if err != nil {
		return nil, err
	}

	c.settle(ctx, traceID, order, schema.EventTypeFor(order.Status))
	observability.Log().Info("order committed",
		observability.Field{Key: "trace_id", Value: traceID},
		observability.Field{Key: "order_id", Value: order.OrderID},
		observability.Field{Key: "user_id", Value: order.UserID},
		observability.Field{Key: "symbol", Value: order.Symbol},
		observability.Field{Key: "status", Value: string(order.Status)},
		observability.Field{Key: "margin_delta", Value: plan.delta.String()},
	)
	return &order, rejection
}

type pricing struct {
	rate       decimal.Decimal
	required   decimal.Decimal
	commission decimal.Decimal
}

type marginPlan struct {
	before decimal.Decimal
	after  decimal.Decimal
	delta  decimal.Decimal
}

// evaluate resolves the conversion rate and required margin while the current
// contribution of the open orders is computed alongside.
func (c *Coordinator) evaluate(ctx context.Context, in inputs, side schema.Side, qty, price decimal.Decimal) (pricing, marginPlan, error) {
	var (
		p      pricing
		perr   error
		before decimal.Decimal
	)
	precision := precisionOf(in.symbol)
	exposures := margin.ExposuresOf(in.open)

	var wg conc.WaitGroup
	wg.Go(func() {
		p, perr = c.price(ctx, in.account, in.symbol, qty, price)
	})
	wg.Go(func() {
		before = margin.Contribution(in.symbol.MarginMode, exposures, precision)
	})
	wg.Wait()
	if perr != nil {
		return pricing{}, marginPlan{}, perr
	}
	after := margin.Contribution(in.symbol.MarginMode,
		append(exposures, margin.Exposure{Side: side, Quantity: qty, Margin: p.required}), precision)
	return p, marginPlan{before: before, after: after, delta: margin.Delta(before, after)}, nil
}

func (c *Coordinator) price(ctx context.Context, acct schema.Account, cfg schema.SymbolConfig, qty, price decimal.Decimal) (pricing, error) {
	rate, err := c.rates.Resolve(ctx, cfg.QuoteCurrency, c.currencyOf(acct))
	if err != nil {
		return pricing{}, err
	}
	required, err := margin.RequiredMargin(margin.InputFor(acct.ApplyTo(cfg), qty, price, rate))
	if err != nil {
		return pricing{}, err
	}
	return pricing{
		rate:       rate,
		required:   required,
		commission: margin.Commission(cfg, qty, price, rate),
	}, nil
}

// planMargin is the pure before/after recomputation used under the lock.
func planMargin(cfg schema.SymbolConfig, open []schema.Order, side schema.Side, qty, required decimal.Decimal) marginPlan {
	precision := precisionOf(cfg)
	exposures := margin.ExposuresOf(open)
	before := margin.Contribution(cfg.MarginMode, exposures, precision)
	after := margin.Contribution(cfg.MarginMode,
		append(exposures, margin.Exposure{Side: side, Quantity: qty, Margin: required}), precision)
	return marginPlan{before: before, after: after, delta: margin.Delta(before, after)}
}

func precisionOf(cfg schema.SymbolConfig) int32 {
	if cfg.MarginPrecision > 0 {
		return cfg.MarginPrecision
	}
	return margin.DefaultPrecision
}

func reject(order *schema.Order, acct schema.Account, delta decimal.Decimal) {
	order.Status = schema.StatusRejected
	order.MarginUsed = decimal.Zero
	order.RejectReason = fmt.Sprintf("insufficient margin: required %s, free %s",
		delta.StringFixed(2), acct.FreeMargin().StringFixed(2))
}

func insufficientMargin(acct schema.Account, delta decimal.Decimal) error {
	return errs.New(component, errs.CodeInsufficientMargin,
		errs.WithMessage("insufficient free margin"),
		errs.WithField("required", delta.String()),
		errs.WithField("free", acct.FreeMargin().String()),
		errs.WithField("user_id", acct.UserID),
	)
}

// locked runs fn in one transaction while holding the user's lock.
func (c *Coordinator) locked(ctx context.Context, userID string, fn func(context.Context, orderstore.Tx) error) error {
	waitStart := time.Now()
	guard, err := c.locks.Acquire(ctx, userID, c.cfg.LockTimeout)
	c.metrics.recordLockWait(ctx, time.Since(waitStart))
	if err != nil {
		return err
	}
	defer guard.Release()
	if err := c.store.WithTransaction(ctx, fn); err != nil {
		var e *errs.E
		if errors.As(err, &e) {
			return err
		}
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("commit failed"),
			errs.WithCause(err),
			errs.WithField("user_id", userID),
		)
	}
	return nil
}
