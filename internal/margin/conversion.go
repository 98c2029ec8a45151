package margin

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/observability"
)

// Rate is a conversion rate observed at a point in time.
type Rate struct {
	Value decimal.Decimal
	AsOf  time.Time
}

// RateSource resolves the multiplier converting amounts in from into to.
type RateSource interface {
	ConversionRate(ctx context.Context, from, to string) (Rate, error)
}

// RateWriter records a resolved rate for later fallback use.
type RateWriter interface {
	StoreRate(ctx context.Context, from, to string, rate Rate) error
}

// ResolverConfig bounds rate freshness.
type ResolverConfig struct {
	MaxLiveAge     time.Duration
	MaxFallbackAge time.Duration
}

// Resolver resolves conversion rates: live first, then fallback, then StaleDataError.
type Resolver struct {
	live     RateSource
	fallback RateSource
	cfg      ResolverConfig
	now      func() time.Time
}

// NewResolver builds a resolver. Either source may be nil. A zero MaxFallbackAge
// accepts a fallback rate of any age.
func NewResolver(live, fallback RateSource, cfg ResolverConfig) *Resolver {
	return &Resolver{live: live, fallback: fallback, cfg: cfg, now: time.Now}
}

// Resolve returns a strictly positive conversion rate or a StaleDataError.
func (r *Resolver) Resolve(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return decimal.Zero, errs.Validation("margin", "conversion currencies required")
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	now := r.now()
	if r.live != nil {
		rate, err := r.live.ConversionRate(ctx, from, to)
		if err == nil && usable(rate, now, r.cfg.MaxLiveAge) {
			if w, ok := r.fallback.(RateWriter); ok {
				if werr := w.StoreRate(ctx, from, to, rate); werr != nil {
					observability.Log().Debug("conversion rate write-through failed",
						observability.Field{Key: "pair", Value: from + to},
						observability.Field{Key: "error", Value: werr.Error()},
					)
				}
			}
			return rate.Value, nil
		}
	}
	if r.fallback != nil {
		rate, err := r.fallback.ConversionRate(ctx, from, to)
		if err == nil && usable(rate, now, r.cfg.MaxFallbackAge) {
			return rate.Value, nil
		}
	}
	return decimal.Zero, errs.StaleData("margin", "no fresh conversion rate",
		errs.WithField("from", from),
		errs.WithField("to", to),
	)
}

func usable(rate Rate, now time.Time, maxAge time.Duration) bool {
	if !rate.Value.IsPositive() {
		return false
	}
	if maxAge <= 0 || rate.AsOf.IsZero() {
		return maxAge <= 0
	}
	return now.Sub(rate.AsOf) <= maxAge
}
