package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/observability"
)

// Executor commits a fired trigger.
type Executor interface {
	ExecuteTrigger(ctx context.Context, armed schema.ArmedOrder, tick schema.PriceTick) (schema.OrderResult, error)
}

// ArmableSource lists the orders whose legs should be armed at startup.
type ArmableSource interface {
	ListArmable(ctx context.Context) ([]schema.Order, error)
}

// TickObserver sees every in-order tick before evaluation. Returning false drops the tick.
type TickObserver func(ctx context.Context, tick schema.PriceTick) bool

// Policy selects how ticks of different symbols are scheduled.
type Policy string

const (
	// PolicyParallel evaluates each symbol on its own lane; symbols run concurrently.
	PolicyParallel Policy = "parallel"
	// PolicySequential evaluates every tick inline on the dispatching goroutine.
	PolicySequential Policy = "sequential"
)

// Config tunes the engine.
type Config struct {
	Policy      Policy        `yaml:"policy"`
	LaneBuffer  int           `yaml:"laneBuffer"`
	ExecTimeout time.Duration `yaml:"execTimeout"`
}

func (c Config) normalise() Config {
	if c.Policy != PolicySequential {
		c.Policy = PolicyParallel
	}
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 256
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Second
	}
	return c
}

// Outcome reports the execution of one claimed entry.
type Outcome struct {
	Armed  schema.ArmedOrder
	Result schema.OrderResult
	Err    error
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTickObserver installs a hook run before each in-order tick is evaluated.
func WithTickObserver(obs TickObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// Engine is the pending order trigger engine.
type Engine struct {
	index    *Index
	exec     Executor
	cfg      Config
	metrics  *Metrics
	observer TickObserver

	lanesMu sync.RWMutex
	lanes   map[string]chan laneTick
	closed  bool
	wg      conc.WaitGroup

	seqMu   sync.Mutex
	lastSeq map[string]uint64
}

type laneTick struct {
	ctx  context.Context
	tick schema.PriceTick
}

// NewEngine wires the engine to its index and executor.
func NewEngine(index *Index, exec Executor, cfg Config, opts ...Option) *Engine {
	if index == nil {
		index = NewIndex()
	}
	e := &Engine{
		index:   index,
		exec:    exec,
		cfg:     cfg.normalise(),
		lanes:   make(map[string]chan laneTick),
		lastSeq: make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy reports the active scheduling policy.
func (e *Engine) Policy() Policy { return e.cfg.Policy }

// Index exposes the armed order index.
func (e *Engine) Index() *Index { return e.index }

// Arm adds an armed entry.
func (e *Engine) Arm(order schema.ArmedOrder) {
	e.index.Arm(order)
	e.metrics.setArmed(e.index.Len())
}

// Disarm removes every leg of the order.
func (e *Engine) Disarm(orderID string) {
	e.index.Disarm(orderID)
	e.metrics.setArmed(e.index.Len())
}

// Armed lists the armed entries for a symbol.
func (e *Engine) Armed(symbol string) []schema.ArmedOrder {
	return e.index.Armed(symbol)
}

// Rebuild arms every leg implied by the stored orders.
func (e *Engine) Rebuild(ctx context.Context, src ArmableSource) (int, error) {
	orders, err := src.ListArmable(ctx)
	if err != nil {
		return 0, fmt.Errorf("trigger: list armable orders: %w", err)
	}
	n := 0
	for _, o := range orders {
		for _, leg := range schema.ArmedFromOrder(o) {
			e.index.Arm(leg)
			n++
		}
	}
	e.metrics.setArmed(e.index.Len())
	return n, nil
}

// OnTick evaluates one tick: every satisfied entry is claimed, then executed in
// ascending order id. Safe for concurrent use; the claim guarantees each entry runs once.
func (e *Engine) OnTick(ctx context.Context, tick schema.PriceTick) []Outcome {
	start := time.Now()
	symbol := schema.NormalizeSymbol(tick.Symbol)
	tick.Symbol = symbol

	var claimed []*armedEntry
	for _, entry := range e.index.candidates(symbol) {
		if entry.state.Load() != stateArmed {
			continue
		}
		ok, _ := Satisfied(entry.order, tick)
		if !ok {
			continue
		}
		if !entry.claim() {
			e.metrics.claimConflict()
			continue
		}
		claimed = append(claimed, entry)
	}
	if len(claimed) == 0 {
		return nil
	}

	outcomes := make([]Outcome, 0, len(claimed))
	for _, entry := range claimed {
		outcomes = append(outcomes, e.execute(ctx, entry, tick))
	}
	e.metrics.setArmed(e.index.Len())
	e.metrics.observeEvaluation(e.cfg.Policy, time.Since(start))
	return outcomes
}

func (e *Engine) execute(ctx context.Context, entry *armedEntry, tick schema.PriceTick) Outcome {
	leg := string(entry.order.Leg)
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	res, err := e.exec.ExecuteTrigger(execCtx, entry.order, tick)
	out := Outcome{Armed: entry.order, Result: res, Err: err}
	switch {
	case err == nil:
		if !entry.state.CompareAndSwap(stateClaimed, stateTriggered) {
			e.reportDuplicate(entry, nil)
		}
		e.index.remove(entry)
		e.metrics.outcome(leg, "triggered")
		observability.Log().Info("armed order triggered",
			observability.Field{Key: "order_id", Value: entry.order.OrderID},
			observability.Field{Key: "leg", Value: leg},
			observability.Field{Key: "symbol", Value: tick.Symbol},
			observability.Field{Key: "status", Value: string(res.Status)},
		)
	case errs.Is(err, errs.CodeDuplicateTrigger):
		e.reportDuplicate(entry, err)
		entry.state.Store(stateRemoved)
		e.index.remove(entry)
		e.metrics.outcome(leg, "duplicate")
	case errs.IsRetryable(err):
		entry.state.CompareAndSwap(stateClaimed, stateArmed)
		e.metrics.outcome(leg, "released")
		observability.Log().Debug("armed order released for retry",
			observability.Field{Key: "order_id", Value: entry.order.OrderID},
			observability.Field{Key: "leg", Value: leg},
			observability.Field{Key: "error", Value: err},
		)
	default:
		entry.state.CompareAndSwap(stateClaimed, stateRemoved)
		e.index.remove(entry)
		e.metrics.outcome(leg, "removed")
		observability.Log().Info("armed order removed after failure",
			observability.Field{Key: "order_id", Value: entry.order.OrderID},
			observability.Field{Key: "leg", Value: leg},
			observability.Field{Key: "error", Value: err},
		)
	}
	return out
}

func (e *Engine) reportDuplicate(entry *armedEntry, cause error) {
	fields := []observability.Field{
		{Key: "order_id", Value: entry.order.OrderID},
		{Key: "leg", Value: string(entry.order.Leg)},
		{Key: "state", Value: entry.state.Load()},
	}
	if cause != nil {
		fields = append(fields, observability.Field{Key: "error", Value: cause})
	}
	observability.Log().Error("fatal consistency violation: duplicate trigger", fields...)
}

// advance reports whether the tick's sequence moves its symbol forward.
func (e *Engine) advance(tick schema.PriceTick) bool {
	if tick.Sequence == 0 {
		return true
	}
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	if tick.Sequence <= e.lastSeq[tick.Symbol] {
		return false
	}
	e.lastSeq[tick.Symbol] = tick.Sequence
	return true
}

func (e *Engine) process(ctx context.Context, tick schema.PriceTick) {
	if !e.advance(tick) {
		e.metrics.staleTick()
		return
	}
	if e.observer != nil && !e.observer(ctx, tick) {
		return
	}
	e.OnTick(ctx, tick)
}

// Dispatch routes a tick according to the policy. Ticks of one symbol are always
// processed in the order Dispatch receives them.
func (e *Engine) Dispatch(ctx context.Context, tick schema.PriceTick) error {
	tick.Symbol = schema.NormalizeSymbol(tick.Symbol)
	if tick.Symbol == "" {
		return errs.Validation("trigger", "tick symbol required")
	}
	if e.cfg.Policy == PolicySequential {
		e.process(ctx, tick)
		return nil
	}
	e.lanesMu.RLock()
	lane, ok := e.lanes[tick.Symbol]
	if !ok || e.closed {
		e.lanesMu.RUnlock()
		if err := e.openLane(tick.Symbol); err != nil {
			return err
		}
		return e.Dispatch(ctx, tick)
	}
	defer e.lanesMu.RUnlock()
	select {
	case lane <- laneTick{ctx: ctx, tick: tick}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("trigger: dispatch %s: %w", tick.Symbol, ctx.Err())
	}
}

func (e *Engine) openLane(symbol string) error {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	if e.closed {
		return errs.New("trigger", errs.CodeUnavailable, errs.WithMessage("engine stopped"))
	}
	if _, ok := e.lanes[symbol]; ok {
		return nil
	}
	lane := make(chan laneTick, e.cfg.LaneBuffer)
	e.lanes[symbol] = lane
	e.wg.Go(func() {
		for lt := range lane {
			e.process(lt.ctx, lt.tick)
		}
	})
	return nil
}

// Run consumes ticks until ctx is done or the channel closes, then drains the lanes.
func (e *Engine) Run(ctx context.Context, ticks <-chan schema.PriceTick) error {
	defer e.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := e.Dispatch(ctx, tick); err != nil && ctx.Err() == nil {
				observability.Log().Error("tick dispatch failed",
					observability.Field{Key: "symbol", Value: tick.Symbol},
					observability.Field{Key: "error", Value: err},
				)
			}
		}
	}
}

// Stop closes the lanes and waits for queued ticks to finish.
func (e *Engine) Stop() {
	e.lanesMu.Lock()
	if e.closed {
		e.lanesMu.Unlock()
		return
	}
	e.closed = true
	for _, lane := range e.lanes {
		close(lane)
	}
	e.lanesMu.Unlock()
	e.wg.Wait()
}
