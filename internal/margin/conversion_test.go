package margin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
)

type staticRates struct {
	rates  map[string]Rate
	stored map[string]Rate
}

func (s *staticRates) ConversionRate(_ context.Context, from, to string) (Rate, error) {
	rate, ok := s.rates[from+to]
	if !ok {
		return Rate{}, errs.New("test", errs.CodeNotFound)
	}
	return rate, nil
}

func (s *staticRates) StoreRate(_ context.Context, from, to string, rate Rate) error {
	if s.stored == nil {
		s.stored = make(map[string]Rate)
	}
	s.stored[from+to] = rate
	return nil
}

func TestResolveSameCurrencyIsOne(t *testing.T) {
	r := NewResolver(nil, nil, ResolverConfig{})
	got, err := r.Resolve(context.Background(), "usd", "USD")
	require.NoError(t, err)
	require.True(t, got.Equal(d("1")))
}

func TestResolvePrefersFreshLiveRate(t *testing.T) {
	now := time.Now()
	live := &staticRates{rates: map[string]Rate{"JPYUSD": {Value: d("0.0067"), AsOf: now}}}
	fallback := &staticRates{rates: map[string]Rate{"JPYUSD": {Value: d("0.0070"), AsOf: now}}}
	r := NewResolver(live, fallback, ResolverConfig{MaxLiveAge: time.Second})

	got, err := r.Resolve(context.Background(), "JPY", "USD")
	require.NoError(t, err)
	require.True(t, got.Equal(d("0.0067")))
	require.Contains(t, fallback.stored, "JPYUSD")
}

func TestResolveFallsBackWhenLiveIsStale(t *testing.T) {
	now := time.Now()
	live := &staticRates{rates: map[string]Rate{"JPYUSD": {Value: d("0.0067"), AsOf: now.Add(-time.Minute)}}}
	fallback := &staticRates{rates: map[string]Rate{"JPYUSD": {Value: d("0.0070"), AsOf: now.Add(-time.Hour)}}}
	r := NewResolver(live, fallback, ResolverConfig{MaxLiveAge: time.Second})

	got, err := r.Resolve(context.Background(), "JPY", "USD")
	require.NoError(t, err)
	require.True(t, got.Equal(d("0.0070")))
}

func TestResolveNeverReturnsZero(t *testing.T) {
	live := &staticRates{rates: map[string]Rate{"JPYUSD": {Value: d("0"), AsOf: time.Now()}}}
	r := NewResolver(live, &staticRates{}, ResolverConfig{MaxLiveAge: time.Second})

	_, err := r.Resolve(context.Background(), "JPY", "USD")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeStaleData))
	require.True(t, errs.IsRetryable(err))
}

func TestResolveRejectsAgedFallback(t *testing.T) {
	fallback := &staticRates{rates: map[string]Rate{"GBPUSD": {Value: d("1.27"), AsOf: time.Now().Add(-2 * time.Hour)}}}
	r := NewResolver(nil, fallback, ResolverConfig{MaxFallbackAge: time.Hour})
	_, err := r.Resolve(context.Background(), "GBP", "USD")
	require.True(t, errs.Is(err, errs.CodeStaleData))
}
