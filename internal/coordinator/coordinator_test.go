package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
	"github.com/coachpo/tradecore/internal/infra/kvcache"
	"github.com/coachpo/tradecore/internal/infra/persistence/memory"
	"github.com/coachpo/tradecore/internal/margin"
	"github.com/coachpo/tradecore/internal/marketdata"
	"github.com/coachpo/tradecore/internal/trigger"
	"github.com/coachpo/tradecore/internal/userlock"
	"github.com/coachpo/tradecore/lib/async"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}

type recordingArming struct {
	mu       sync.Mutex
	armed    []schema.ArmedOrder
	disarmed []string
}

func (r *recordingArming) Arm(o schema.ArmedOrder) {
	r.mu.Lock()
	r.armed = append(r.armed, o)
	r.mu.Unlock()
}

func (r *recordingArming) Disarm(id string) {
	r.mu.Lock()
	r.disarmed = append(r.disarmed, id)
	r.mu.Unlock()
}

func (r *recordingArming) legs() []schema.Leg {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Leg, 0, len(r.armed))
	for _, a := range r.armed {
		out = append(out, a.Leg)
	}
	return out
}

type inlineQueue struct {
	mu    sync.Mutex
	names []string
}

func (q *inlineQueue) Enqueue(name string, fn async.Task) {
	q.mu.Lock()
	q.names = append(q.names, name)
	q.mu.Unlock()
	_ = fn(context.Background())
}

type recordingEvents struct {
	mu     sync.Mutex
	events []schema.OrderEvent
}

func (r *recordingEvents) PublishOrderEvent(_ context.Context, evt schema.OrderEvent) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingEvents) types() []schema.OrderEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.OrderEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store  *memory.Store
	book   *marketdata.Book
	locks  *userlock.Manager
	arming *recordingArming
	events *recordingEvents
	queue  *inlineQueue
	cache  *kvcache.Store
	coord  *Coordinator
	now    time.Time
}

func newHarness(t *testing.T, balance string) *harness {
	t.Helper()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.NewStore()
	store.PutAccount(schema.Account{UserID: "u1", Balance: d(balance), UsedMargin: decimal.Zero, Currency: "USD"})
	store.PutSymbol(schema.SymbolConfig{
		Symbol: "EURUSD", ContractSize: d("100000"), Leverage: d("100"), QuoteCurrency: "USD", MarginPrecision: 2,
	})
	store.PutSymbol(schema.SymbolConfig{
		Symbol: "USDJPY", ContractSize: d("100000"), Leverage: d("100"), QuoteCurrency: "JPY", MarginPrecision: 2,
	})

	book := marketdata.NewBook(5*time.Second, marketdata.WithClock(clock))
	book.Apply(context.Background(), schema.PriceTick{Symbol: "EURUSD", Bid: d("1.1000"), Ask: d("1.1002"), Timestamp: now})
	book.Apply(context.Background(), schema.PriceTick{Symbol: "USDJPY", Bid: d("150.00"), Ask: d("150.02"), Timestamp: now})

	cache, err := kvcache.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	h := &harness{
		store:  store,
		book:   book,
		locks:  userlock.NewManager(8),
		arming: &recordingArming{},
		events: &recordingEvents{},
		queue:  &inlineQueue{},
		cache:  cache,
		now:    now,
	}
	h.coord, err = New(Deps{
		Store:      store,
		Symbols:    store,
		Prices:     book,
		IDs:        idgen.New(store, idgen.Config{}),
		Rates:      margin.NewResolver(book, cache, margin.ResolverConfig{}),
		Locks:      h.locks,
		Background: h.queue,
		Arming:     h.arming,
		Events:     h.events,
		Portfolio:  cache,
		Clock:      clock,
	}, Config{FanoutTimeout: time.Second, LockTimeout: time.Second})
	require.NoError(t, err)
	return h
}

func (h *harness) account(t *testing.T) schema.Account {
	t.Helper()
	acct, err := h.store.GetUserAccount(context.Background(), "u1")
	require.NoError(t, err)
	return acct
}

func marketBuy(qty string) schema.PlaceOrderRequest {
	return schema.PlaceOrderRequest{UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: d(qty)}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Contains(t, err.Error(), "store")
}

func TestPlaceMarketOrderReservesMargin(t *testing.T) {
	h := newHarness(t, "10000")

	res, err := h.coord.PlaceOrder(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, res.Status)
	require.Len(t, res.OrderID, 10)
	requireDecimal(t, "1100.20", res.MarginUsed)
	requireDecimal(t, "1.1002", res.ExecutedPrice)
	requireDecimal(t, "1100.20", h.account(t).UsedMargin)

	order, err := h.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, order.Status)
	require.Empty(t, res.StopLossID)
	require.Empty(t, res.TakeProfitID)
}

func TestPlaceSellUsesBid(t *testing.T) {
	h := newHarness(t, "10000")
	req := marketBuy("1")
	req.Side = schema.SideSell

	res, err := h.coord.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	requireDecimal(t, "1100.00", res.MarginUsed)
	requireDecimal(t, "1.1000", res.ExecutedPrice)
}

func TestPlaceOrderConvertsQuoteCurrency(t *testing.T) {
	h := newHarness(t, "10000")
	req := marketBuy("1")
	req.Symbol = "usdjpy"

	res, err := h.coord.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	requireDecimal(t, "1000.13", res.MarginUsed)
}

func TestConcurrentOrdersNeverOverCommit(t *testing.T) {
	h := newHarness(t, "2000")

	results := make([]schema.OrderResult, 2)
	failures := make([]error, 2)
	var wg conc.WaitGroup
	for i := range results {
		wg.Go(func() {
			results[i], failures[i] = h.coord.PlaceOrder(context.Background(), marketBuy("1"))
		})
	}
	wg.Wait()

	opened, rejected := 0, 0
	for i := range results {
		switch results[i].Status {
		case schema.StatusOpen:
			opened++
			require.NoError(t, failures[i])
		case schema.StatusRejected:
			rejected++
			require.True(t, errs.Is(failures[i], errs.CodeInsufficientMargin))
			require.Contains(t, results[i].RejectReason, "insufficient margin")
		}
	}
	require.Equal(t, 1, opened)
	require.Equal(t, 1, rejected)
	requireDecimal(t, "1100.20", h.account(t).UsedMargin)
}

func TestManyConcurrentOrdersStayWithinBalance(t *testing.T) {
	h := newHarness(t, "5000")

	const n = 16
	results := make([]schema.OrderResult, n)
	var wg conc.WaitGroup
	for i := range results {
		wg.Go(func() {
			results[i], _ = h.coord.PlaceOrder(context.Background(), marketBuy("1"))
		})
	}
	wg.Wait()

	opened := 0
	for _, r := range results {
		if r.Status == schema.StatusOpen {
			opened++
		}
	}
	require.Equal(t, 4, opened)
	acct := h.account(t)
	requireDecimal(t, "4400.80", acct.UsedMargin)
	require.True(t, acct.UsedMargin.LessThanOrEqual(acct.Balance))
}

func TestStalePriceRejectsBeforeLock(t *testing.T) {
	h := newHarness(t, "10000")
	h.book.Apply(context.Background(), schema.PriceTick{
		Symbol: "EURUSD", Bid: d("1.1"), Ask: d("1.1002"), Timestamp: h.now.Add(-time.Minute), Sequence: 2,
	})

	_, err := h.coord.PlaceOrder(context.Background(), marketBuy("1"))
	require.True(t, errs.Is(err, errs.CodeStaleData))
	require.True(t, errs.IsRetryable(err))
	requireDecimal(t, "0", h.account(t).UsedMargin)
	open, err := h.store.GetOpenOrders(context.Background(), "u1", "")
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestPlaceOrderValidation(t *testing.T) {
	h := newHarness(t, "10000")
	cases := map[string]schema.PlaceOrderRequest{
		"zero quantity":      {UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: decimal.Zero},
		"market with price":  {UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: d("1"), Price: dp("1.1")},
		"limit without":      {UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindLimit, Quantity: d("1")},
		"bad side":           {UserID: "u1", Symbol: "EURUSD", Side: "HOLD", Kind: schema.KindMarket, Quantity: d("1")},
		"malformed symbol":   {UserID: "u1", Symbol: "EUR USD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: d("1")},
		"unknown symbol":     {UserID: "u1", Symbol: "XAUUSD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: d("1")},
		"missing user":       {Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: d("1")},
		"buy sl above entry": {UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: d("1"), StopLoss: dp("1.2")},
		"sell tp above":      {UserID: "u1", Symbol: "EURUSD", Side: schema.SideSell, Kind: schema.KindLimit, Quantity: d("1"), Price: dp("1.1"), TakeProfit: dp("1.2")},
		"negative sl":        {UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindMarket, Quantity: d("1"), StopLoss: dp("-1")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.coord.PlaceOrder(context.Background(), req)
			require.True(t, errs.Is(err, errs.CodeValidation), "got %v", err)
			require.False(t, errs.IsRetryable(err))
		})
	}
	requireDecimal(t, "0", h.account(t).UsedMargin)
}

func TestLegIDsIssuedOnlyWhenRequested(t *testing.T) {
	h := newHarness(t, "10000")
	req := marketBuy("1")
	req.StopLoss = dp("1.0950")

	res, err := h.coord.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.StopLossID, 10)
	require.Empty(t, res.TakeProfitID)
	require.NotEqual(t, res.OrderID, res.StopLossID)
	require.Equal(t, []schema.Leg{schema.LegStopLoss}, h.arming.legs())
}

func TestMarketOrderWithoutLegsArmsNothing(t *testing.T) {
	h := newHarness(t, "10000")
	_, err := h.coord.PlaceOrder(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	require.Empty(t, h.arming.legs())
}

func TestPendingOrderLifecycle(t *testing.T) {
	h := newHarness(t, "10000")
	req := schema.PlaceOrderRequest{
		UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindLimit,
		Quantity: d("1"), Price: dp("1.0990"), TakeProfit: dp("1.1100"),
	}
	res, err := h.coord.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, res.Status)
	requireDecimal(t, "0", h.account(t).UsedMargin)
	require.Equal(t, []schema.Leg{schema.LegEntry}, h.arming.legs())

	armed := h.arming.armed[0]
	tick := schema.PriceTick{Symbol: "EURUSD", Bid: d("1.0983"), Ask: d("1.0985"), Timestamp: h.now, Sequence: 5}
	out, err := h.coord.ExecuteTrigger(context.Background(), armed, tick)
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, out.Status)
	requireDecimal(t, "1.0985", out.ExecutedPrice)
	requireDecimal(t, "1098.50", out.MarginUsed)
	requireDecimal(t, "1098.50", h.account(t).UsedMargin)
	require.Equal(t, []schema.Leg{schema.LegEntry, schema.LegTakeProfit}, h.arming.legs())

	_, err = h.coord.ExecuteTrigger(context.Background(), armed, tick)
	require.True(t, errs.Is(err, errs.CodeDuplicateTrigger))
}

func TestPendingOrderRejectedWhenMarginGone(t *testing.T) {
	h := newHarness(t, "1500")
	res, err := h.coord.PlaceOrder(context.Background(), schema.PlaceOrderRequest{
		UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindLimit, Quantity: d("1"), Price: dp("1.0990"),
	})
	require.NoError(t, err)
	_, err = h.coord.PlaceOrder(context.Background(), marketBuy("1"))
	require.NoError(t, err)

	armed := schema.ArmedOrder{OrderID: res.OrderID, UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindLimit, Leg: schema.LegEntry, Price: d("1.0990")}
	out, err := h.coord.ExecuteTrigger(context.Background(), armed,
		schema.PriceTick{Symbol: "EURUSD", Bid: d("1.0980"), Ask: d("1.0982"), Timestamp: h.now})
	require.True(t, errs.Is(err, errs.CodeInsufficientMargin))
	require.False(t, errs.IsRetryable(err))
	require.Equal(t, schema.StatusRejected, out.Status)
	require.Contains(t, h.arming.disarmed, res.OrderID)
	requireDecimal(t, "1100.20", h.account(t).UsedMargin)
}

func TestStopLossClosesPosition(t *testing.T) {
	h := newHarness(t, "10000")
	req := marketBuy("1")
	req.StopLoss = dp("1.0950")
	req.TakeProfit = dp("1.1100")
	res, err := h.coord.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	var sl schema.ArmedOrder
	for _, a := range h.arming.armed {
		if a.Leg == schema.LegStopLoss {
			sl = a
		}
	}
	require.Equal(t, res.StopLossID, sl.LegID)

	tick := schema.PriceTick{Symbol: "EURUSD", Bid: d("1.0950"), Ask: d("1.0952"), Timestamp: h.now}
	out, err := h.coord.ExecuteTrigger(context.Background(), sl, tick)
	require.NoError(t, err)
	require.Equal(t, schema.StatusClosed, out.Status)
	requireDecimal(t, "-520.00", out.NetProfit)

	acct := h.account(t)
	requireDecimal(t, "0", acct.UsedMargin)
	requireDecimal(t, "9480", acct.Balance)
	require.Contains(t, h.arming.disarmed, res.OrderID)

	order, err := h.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.Equal(t, closeReasonStopLoss, order.CloseReason)
	requireDecimal(t, "1.0950", order.ClosePrice)

	_, err = h.coord.ExecuteTrigger(context.Background(), sl, tick)
	require.True(t, errs.Is(err, errs.CodeDuplicateTrigger))

	tp := sl
	tp.Leg = schema.LegTakeProfit
	_, err = h.coord.ExecuteTrigger(context.Background(), tp, tick)
	require.True(t, errs.Is(err, errs.CodeConflict))
	require.False(t, errs.IsRetryable(err))
}

func TestCancelPendingOrder(t *testing.T) {
	h := newHarness(t, "10000")
	res, err := h.coord.PlaceOrder(context.Background(), schema.PlaceOrderRequest{
		UserID: "u1", Symbol: "EURUSD", Side: schema.SideSell, Kind: schema.KindStop, Quantity: d("1"), Price: dp("1.0900"),
	})
	require.NoError(t, err)

	_, err = h.coord.CancelOrder(context.Background(), "u2", res.OrderID)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	out, err := h.coord.CancelOrder(context.Background(), "u1", res.OrderID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, out.Status)
	require.Contains(t, h.arming.disarmed, res.OrderID)

	again, err := h.coord.CancelOrder(context.Background(), "u1", res.OrderID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, again.Status)

	open, err := h.coord.PlaceOrder(context.Background(), marketBuy("1"))
	require.NoError(t, err)
	_, err = h.coord.CancelOrder(context.Background(), "u1", open.OrderID)
	require.True(t, errs.Is(err, errs.CodeConflict))
}

func TestLockTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, "10000")
	h.coord.cfg.LockTimeout = 20 * time.Millisecond

	guard, err := h.locks.Acquire(context.Background(), "u1", time.Second)
	require.NoError(t, err)
	defer guard.Release()

	_, err = h.coord.PlaceOrder(context.Background(), marketBuy("1"))
	require.True(t, errs.Is(err, errs.CodeLockTimeout))
	require.True(t, errs.IsRetryable(err))
	requireDecimal(t, "0", h.account(t).UsedMargin)
}

func TestBackgroundTasksRunAfterCommit(t *testing.T) {
	h := newHarness(t, "10000")
	res, err := h.coord.PlaceOrder(context.Background(), marketBuy("2"))
	require.NoError(t, err)

	require.Equal(t, []schema.OrderEventType{schema.EventOrderOpened}, h.events.types())
	require.NotEmpty(t, h.events.events[0].TraceID)
	require.Equal(t, res.OrderID, h.events.events[0].Order.OrderID)

	snap, err := h.cache.LoadPortfolio(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.OpenOrders)
	requireDecimal(t, "2", snap.Symbols["EURUSD"].BuyLots)
	requireDecimal(t, "2200.40", snap.Account.UsedMargin)
}

func TestTriggerEngineDrivesPendingOrders(t *testing.T) {
	h := newHarness(t, "10000")
	engine := trigger.NewEngine(nil, h.coord, trigger.Config{Policy: trigger.PolicySequential})
	h.coord.SetArming(engine)

	res, err := h.coord.PlaceOrder(context.Background(), schema.PlaceOrderRequest{
		UserID: "u1", Symbol: "EURUSD", Side: schema.SideBuy, Kind: schema.KindLimit,
		Quantity: d("1"), Price: dp("1.0990"), StopLoss: dp("1.0900"),
	})
	require.NoError(t, err)
	require.Len(t, engine.Armed("EURUSD"), 1)

	outcomes := engine.OnTick(context.Background(), schema.PriceTick{
		Symbol: "EURUSD", Bid: d("1.0988"), Ask: d("1.0990"), Timestamp: h.now, Sequence: 10,
	})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, schema.StatusOpen, outcomes[0].Result.Status)

	armed := engine.Armed("EURUSD")
	require.Len(t, armed, 1)
	require.Equal(t, schema.LegStopLoss, armed[0].Leg)
	require.Equal(t, res.StopLossID, armed[0].LegID)

	outcomes = engine.OnTick(context.Background(), schema.PriceTick{
		Symbol: "EURUSD", Bid: d("1.0900"), Ask: d("1.0902"), Timestamp: h.now, Sequence: 11,
	})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, schema.StatusClosed, outcomes[0].Result.Status)
	require.Empty(t, engine.Armed("EURUSD"))
	requireDecimal(t, "0", h.account(t).UsedMargin)
	requireDecimal(t, "9100", h.account(t).Balance)
}
