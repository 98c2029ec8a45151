package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/observability"
)

const (
	fieldAccount      = "account"
	fieldSymbol       = "symbol_config"
	fieldPrice        = "price"
	fieldOpenOrders   = "open_orders"
	fieldOrderID      = "order_id"
	fieldStopLossID   = "stoploss_id"
	fieldTakeProfitID = "takeprofit_id"
)

// inputs holds everything the placement pipeline reads before taking the lock.
type inputs struct {
	account      schema.Account
	symbol       schema.SymbolConfig
	quote        schema.Quote
	open         []schema.Order
	orderID      string
	stopLossID   string
	takeProfitID string
}

type fetcher struct {
	name string
	run  func(context.Context) error
}

type fieldResult struct {
	name    string
	err     error
	elapsed time.Duration
}

// gather fetches every input concurrently under the fan-out timeout. Each field
// records its own result; the first failure in field order is returned.
func (c *Coordinator) gather(ctx context.Context, req schema.PlaceOrderRequest) (inputs, error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FanoutTimeout)
	defer cancel()

	var in inputs
	fetchers := []fetcher{
		{name: fieldAccount, run: func(ctx context.Context) (err error) {
			in.account, err = c.store.GetUserAccount(ctx, req.UserID)
			return err
		}},
		{name: fieldSymbol, run: func(ctx context.Context) (err error) {
			in.symbol, err = c.symbols.GetSymbolConfig(ctx, req.Symbol)
			return err
		}},
		{name: fieldPrice, run: func(ctx context.Context) (err error) {
			in.quote, err = c.prices.GetLatestPrice(ctx, req.Symbol)
			return err
		}},
		{name: fieldOpenOrders, run: func(ctx context.Context) (err error) {
			in.open, err = c.store.GetOpenOrders(ctx, req.UserID, req.Symbol)
			return err
		}},
		{name: fieldOrderID, run: func(ctx context.Context) (err error) {
			in.orderID, err = c.ids.Generate(ctx, idgen.KindOrder)
			return err
		}},
	}
	if req.StopLoss != nil {
		fetchers = append(fetchers, fetcher{name: fieldStopLossID, run: func(ctx context.Context) (err error) {
			in.stopLossID, err = c.ids.Generate(ctx, idgen.KindStopLoss)
			return err
		}})
	}
	if req.TakeProfit != nil {
		fetchers = append(fetchers, fetcher{name: fieldTakeProfitID, run: func(ctx context.Context) (err error) {
			in.takeProfitID, err = c.ids.Generate(ctx, idgen.KindTakeProfit)
			return err
		}})
	}

	results := make([]fieldResult, len(fetchers))
	p := pool.New().WithMaxGoroutines(len(fetchers))
	for i, f := range fetchers {
		p.Go(func() {
			start := time.Now()
			err := f.run(fctx)
			results[i] = fieldResult{name: f.name, err: err, elapsed: time.Since(start)}
		})
	}
	p.Wait()

	var failures []error
	var first error
	for _, r := range results {
		c.metrics.recordField(ctx, r.name, r.elapsed, r.err)
		if r.err == nil {
			continue
		}
		failures = append(failures, r.err)
		if first == nil {
			first = classifyField(ctx, fctx, r)
		}
	}
	if len(failures) > 1 {
		observability.ReportErrors("coordinator.fanout", failures,
			observability.Field{Key: "user_id", Value: req.UserID},
			observability.Field{Key: "symbol", Value: req.Symbol},
		)
	}
	if first != nil {
		return inputs{}, first
	}
	if in.symbol.Symbol == "" {
		in.symbol.Symbol = req.Symbol
	}
	return in, nil
}

// classifyField maps a failed input onto the caller-facing taxonomy.
func classifyField(parent, fctx context.Context, r fieldResult) error {
	if parent.Err() != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("request cancelled"),
			errs.WithCause(parent.Err()),
			errs.WithRetryable(false),
		)
	}
	if errors.Is(r.err, context.DeadlineExceeded) && fctx.Err() != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("fan-out input timed out"),
			errs.WithCause(r.err),
			errs.WithField("field", r.name),
			errs.WithRetryable(true),
		)
	}
	switch r.name {
	case fieldSymbol:
		if errs.Is(r.err, errs.CodeNotFound) {
			return errs.Validation(component, "unknown symbol", errs.WithCause(r.err))
		}
	case fieldPrice:
		if errs.Is(r.err, errs.CodeNotFound) || errs.CodeOf(r.err) == "" {
			return errs.StaleData(component, "no usable price", errs.WithCause(r.err), errs.WithField("field", r.name))
		}
	}
	if errs.CodeOf(r.err) != "" {
		return r.err
	}
	return errs.New(component, errs.CodeUnavailable,
		errs.WithMessage("fan-out input failed"),
		errs.WithCause(r.err),
		errs.WithField("field", r.name),
	)
}
