package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/infra/kvcache"
)

func tick(symbol, bid, ask string, seq uint64, ts time.Time) schema.PriceTick {
	return schema.PriceTick{
		Symbol:    symbol,
		Bid:       decimal.RequireFromString(bid),
		Ask:       decimal.RequireFromString(ask),
		Timestamp: ts,
		Sequence:  seq,
	}
}

func TestApplyDropsOutOfOrderTicks(t *testing.T) {
	now := time.Now()
	book := NewBook(time.Minute, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.True(t, book.Apply(ctx, tick("EURUSD", "1.1000", "1.1002", 2, now)))
	require.False(t, book.Apply(ctx, tick("EURUSD", "1.2000", "1.2002", 1, now)))
	require.False(t, book.Apply(ctx, tick("EURUSD", "1.2000", "1.2002", 2, now)))

	q, err := book.GetLatestPrice(ctx, "eurusd")
	require.NoError(t, err)
	require.Equal(t, "1.1002", q.Ask.String())
}

func TestGetLatestPriceReportsStaleness(t *testing.T) {
	now := time.Now()
	book := NewBook(500*time.Millisecond, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := book.GetLatestPrice(ctx, "EURUSD")
	require.True(t, errs.Is(err, errs.CodeStaleData))

	book.Apply(ctx, tick("EURUSD", "1.1000", "1.1002", 1, now.Add(-time.Second)))
	_, err = book.GetLatestPrice(ctx, "EURUSD")
	require.True(t, errs.Is(err, errs.CodeStaleData))
	require.True(t, errs.IsRetryable(err))
}

func TestLastKnownQuoteServesColdSymbols(t *testing.T) {
	cache, err := kvcache.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	now := time.Now()
	ctx := context.Background()
	warm := NewBook(time.Minute, WithLastKnown(cache), WithClock(func() time.Time { return now }))
	warm.Apply(ctx, tick("GBPUSD", "1.2700", "1.2702", 1, now))

	cold := NewBook(time.Minute, WithLastKnown(cache), WithClock(func() time.Time { return now }))
	q, err := cold.GetLatestPrice(ctx, "GBPUSD")
	require.NoError(t, err)
	require.Equal(t, "1.27", q.Bid.String())
}

func TestConversionRateDirectAndInverse(t *testing.T) {
	now := time.Now()
	book := NewBook(time.Minute)
	ctx := context.Background()
	book.Apply(ctx, tick("EURUSD", "1.1000", "1.1002", 1, now))
	book.Apply(ctx, tick("USDJPY", "150.00", "150.02", 1, now))

	direct, err := book.ConversionRate(ctx, "EUR", "USD")
	require.NoError(t, err)
	require.Equal(t, "1.1", direct.Value.String())

	inverse, err := book.ConversionRate(ctx, "JPY", "USD")
	require.NoError(t, err)
	require.Equal(t, "0.0066666667", inverse.Value.String())

	_, err = book.ConversionRate(ctx, "CHF", "USD")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}
