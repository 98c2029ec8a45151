// Package kvcache persists last-known quotes, conversion rates, and portfolio
// snapshots in an embedded pebble store.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/margin"
)

// Store wraps a pebble database.
type Store struct {
	db   *pebble.DB
	sync bool
}

// Open opens (or creates) the cache at path. An empty path selects an in-memory filesystem.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{}
	dir := strings.TrimSpace(path)
	durable := dir != ""
	if !durable {
		opts.FS = vfs.NewMem()
		dir = "kvcache"
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("kvcache: open %q: %w", dir, err)
	}
	return &Store{db: db, sync: durable}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// keys: q:<symbol>, r:<from><to>, p:<user>
func quoteKey(symbol string) []byte { return []byte("q:" + schema.NormalizeSymbol(symbol)) }
func rateKey(from, to string) []byte {
	return []byte("r:" + strings.ToUpper(from) + strings.ToUpper(to))
}
func portfolioKey(userID string) []byte { return []byte("p:" + userID) }

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) put(key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvcache: encode %s: %w", key, err)
	}
	if err := s.db.Set(key, raw, s.writeOpts()); err != nil {
		return fmt.Errorf("kvcache: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key []byte, out any) error {
	raw, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return errs.New("kvcache", errs.CodeNotFound, errs.WithField("key", string(key)))
		}
		return fmt.Errorf("kvcache: get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kvcache: decode %s: %w", key, err)
	}
	return nil
}

// StoreQuote records the last known quote for its symbol.
func (s *Store) StoreQuote(_ context.Context, quote schema.Quote) error {
	return s.put(quoteKey(quote.Symbol), quote)
}

// LoadQuote returns the last known quote or a not_found error.
func (s *Store) LoadQuote(_ context.Context, symbol string) (schema.Quote, error) {
	var q schema.Quote
	err := s.get(quoteKey(symbol), &q)
	return q, err
}

type storedRate struct {
	Value decimal.Decimal `json:"value"`
	AsOf  time.Time       `json:"asOf"`
}

// StoreRate records a conversion rate.
func (s *Store) StoreRate(_ context.Context, from, to string, rate margin.Rate) error {
	return s.put(rateKey(from, to), storedRate{Value: rate.Value, AsOf: rate.AsOf})
}

// ConversionRate returns the stored conversion rate.
func (s *Store) ConversionRate(_ context.Context, from, to string) (margin.Rate, error) {
	var r storedRate
	if err := s.get(rateKey(from, to), &r); err != nil {
		return margin.Rate{}, err
	}
	return margin.Rate{Value: r.Value, AsOf: r.AsOf}, nil
}

// PortfolioSnapshot is the cached view of a user's account and open exposure.
type PortfolioSnapshot struct {
	Account     schema.Account            `json:"account"`
	Symbols     map[string]SymbolExposure `json:"symbols"`
	OpenOrders  int                       `json:"openOrders"`
	RefreshedAt time.Time                 `json:"refreshedAt"`
}

// SymbolExposure aggregates one symbol's open positions.
type SymbolExposure struct {
	BuyLots    decimal.Decimal `json:"buyLots"`
	SellLots   decimal.Decimal `json:"sellLots"`
	MarginUsed decimal.Decimal `json:"marginUsed"`
}

// BuildPortfolio aggregates open orders into a snapshot.
func BuildPortfolio(account schema.Account, open []schema.Order, now time.Time) PortfolioSnapshot {
	snap := PortfolioSnapshot{
		Account:     account,
		Symbols:     make(map[string]SymbolExposure),
		RefreshedAt: now,
	}
	for _, o := range open {
		if o.Status != schema.StatusOpen {
			continue
		}
		snap.OpenOrders++
		exp := snap.Symbols[o.Symbol]
		if o.Side == schema.SideBuy {
			exp.BuyLots = exp.BuyLots.Add(o.Quantity)
		} else {
			exp.SellLots = exp.SellLots.Add(o.Quantity)
		}
		exp.MarginUsed = exp.MarginUsed.Add(o.MarginUsed)
		snap.Symbols[o.Symbol] = exp
	}
	return snap
}

// StorePortfolio caches a portfolio snapshot.
func (s *Store) StorePortfolio(_ context.Context, snap PortfolioSnapshot) error {
	return s.put(portfolioKey(snap.Account.UserID), snap)
}

// LoadPortfolio returns the cached portfolio snapshot.
func (s *Store) LoadPortfolio(_ context.Context, userID string) (PortfolioSnapshot, error) {
	var snap PortfolioSnapshot
	err := s.get(portfolioKey(userID), &snap)
	return snap, err
}
