// Package marketdata keeps the latest quote per symbol and derives conversion rates from it.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/margin"
	"github.com/coachpo/tradecore/internal/observability"
)

// LastKnown persists quotes so a restart or a quiet feed can still serve prices.
type LastKnown interface {
	StoreQuote(ctx context.Context, quote schema.Quote) error
	LoadQuote(ctx context.Context, symbol string) (schema.Quote, error)
}

// Book is an in-memory quote book implementing the price and live-rate sources.
type Book struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	maxAge    time.Duration
	lastKnown LastKnown
	now       func() time.Time
}

type entry struct {
	mu       sync.Mutex
	quote    schema.Quote
	sequence uint64
}

// Option customises a Book.
type Option func(*Book)

// WithLastKnown installs the persistent last-known quote store.
func WithLastKnown(store LastKnown) Option {
	return func(b *Book) { b.lastKnown = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Book) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBook creates a quote book. Quotes older than maxAge are reported as stale.
func NewBook(maxAge time.Duration, opts ...Option) *Book {
	b := &Book{
		entries: make(map[string]*entry),
		maxAge:  maxAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Book) entryFor(symbol string, create bool) *entry {
	b.mu.RLock()
	e, ok := b.entries[symbol]
	b.mu.RUnlock()
	if ok || !create {
		return e
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.entries[symbol]; ok {
		return e
	}
	e = new(entry)
	b.entries[symbol] = e
	return e
}

// Apply records a tick. Ticks whose sequence does not advance are ignored; a zero
// sequence always applies. It reports whether the tick was applied.
func (b *Book) Apply(ctx context.Context, tick schema.PriceTick) bool {
	symbol := schema.NormalizeSymbol(tick.Symbol)
	if symbol == "" || !tick.Bid.IsPositive() || !tick.Ask.IsPositive() {
		return false
	}
	e := b.entryFor(symbol, true)
	e.mu.Lock()
	if tick.Sequence != 0 && tick.Sequence <= e.sequence {
		e.mu.Unlock()
		return false
	}
	quote := tick.Quote()
	quote.Symbol = symbol
	if quote.Timestamp.IsZero() {
		quote.Timestamp = b.now()
	}
	e.quote = quote
	if tick.Sequence != 0 {
		e.sequence = tick.Sequence
	}
	e.mu.Unlock()

	if b.lastKnown != nil {
		if err := b.lastKnown.StoreQuote(ctx, quote); err != nil {
			observability.Log().Debug("last known quote write failed",
				observability.Field{Key: "symbol", Value: symbol},
				observability.Field{Key: "error", Value: err},
			)
		}
	}
	return true
}

func (b *Book) lookup(ctx context.Context, symbol string) (schema.Quote, bool) {
	if e := b.entryFor(symbol, false); e != nil {
		e.mu.Lock()
		q := e.quote
		e.mu.Unlock()
		return q, true
	}
	if b.lastKnown == nil {
		return schema.Quote{}, false
	}
	q, err := b.lastKnown.LoadQuote(ctx, symbol)
	if err != nil {
		return schema.Quote{}, false
	}
	return q, true
}

// GetLatestPrice returns the freshest quote, consulting the last-known store when the
// feed has not delivered the symbol yet. Missing or aged quotes yield StaleDataError.
func (b *Book) GetLatestPrice(ctx context.Context, symbol string) (schema.Quote, error) {
	symbol = schema.NormalizeSymbol(symbol)
	q, ok := b.lookup(ctx, symbol)
	if !ok {
		return schema.Quote{}, errs.StaleData("marketdata", "no price for symbol", errs.WithField("symbol", symbol))
	}
	if age := q.Age(b.now()); b.maxAge > 0 && age > b.maxAge {
		return schema.Quote{}, errs.StaleData("marketdata", fmt.Sprintf("price is %s old", age.Truncate(time.Millisecond)),
			errs.WithField("symbol", symbol))
	}
	return q, nil
}

// ConversionRate derives FROM->TO from the FROMTO bid, or the inverse of the TOFROM bid.
func (b *Book) ConversionRate(ctx context.Context, from, to string) (margin.Rate, error) {
	if q, ok := b.lookup(ctx, from+to); ok && q.Bid.IsPositive() {
		return margin.Rate{Value: q.Bid, AsOf: q.Timestamp}, nil
	}
	if q, ok := b.lookup(ctx, to+from); ok && q.Bid.IsPositive() {
		return margin.Rate{Value: decimal.NewFromInt(1).DivRound(q.Bid, 10), AsOf: q.Timestamp}, nil
	}
	return margin.Rate{}, errs.New("marketdata", errs.CodeNotFound,
		errs.WithMessage("no conversion pair"),
		errs.WithField("pair", from+to),
	)
}

// Symbols lists symbols with a live quote.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.entries))
	for s := range b.entries {
		out = append(out, s)
	}
	return out
}
