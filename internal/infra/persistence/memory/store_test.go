package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/orderstore"
	"github.com/coachpo/tradecore/internal/domain/schema"
	"github.com/coachpo/tradecore/internal/idgen"
)

func seeded() *Store {
	s := NewStore()
	s.PutAccount(schema.Account{UserID: "u1", Balance: decimal.NewFromInt(1000)})
	s.PutSymbol(schema.SymbolConfig{Symbol: "eurusd", ContractSize: decimal.NewFromInt(100000), Leverage: decimal.NewFromInt(100)})
	return s
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := seeded()
	boom := errors.New("boom")
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
		require.NoError(t, tx.PersistOrder(ctx, schema.Order{OrderID: "1000000001", UserID: "u1", Status: schema.StatusOpen}))
		require.NoError(t, tx.PersistMarginUpdate(ctx, "u1", decimal.NewFromInt(10), decimal.Zero))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetOrder(context.Background(), "1000000001")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	acct, err := s.GetUserAccount(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, acct.UsedMargin.IsZero())
}

func TestTransactionStagesUntilCommit(t *testing.T) {
	s := seeded()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
		order := schema.Order{OrderID: "1000000002", UserID: "u1", Symbol: "EURUSD", Status: schema.StatusOpen, Side: schema.SideBuy}
		require.NoError(t, tx.PersistOrder(ctx, order))

		open, err := tx.OpenOrders(ctx, "u1", "eurusd")
		require.NoError(t, err)
		require.Len(t, open, 1)

		outside, err := s.GetOpenOrders(ctx, "u1", "EURUSD")
		require.NoError(t, err)
		require.Empty(t, outside)

		require.NoError(t, tx.PersistMarginUpdate(ctx, "u1", decimal.NewFromInt(5), decimal.NewFromInt(-1)))
		require.NoError(t, tx.PersistMarginUpdate(ctx, "u1", decimal.NewFromInt(5), decimal.Zero))
		return nil
	})
	require.NoError(t, err)

	acct, err := s.GetUserAccount(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, acct.UsedMargin.Equal(decimal.NewFromInt(10)))
	require.True(t, acct.Balance.Equal(decimal.NewFromInt(999)))
}

func TestPersistOrderRejectsDuplicates(t *testing.T) {
	s := seeded()
	s.PutOrder(schema.Order{OrderID: "1000000003", UserID: "u1"})
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
		return tx.PersistOrder(ctx, schema.Order{OrderID: "1000000003", UserID: "u1"})
	})
	require.True(t, errs.Is(err, errs.CodeConflict))
}

func TestListArmableSelectsPendingAndProtectedOrders(t *testing.T) {
	s := seeded()
	sl := decimal.RequireFromString("1.09")
	s.PutOrder(schema.Order{OrderID: "1000000012", Status: schema.StatusPending})
	s.PutOrder(schema.Order{OrderID: "1000000011", Status: schema.StatusOpen, StopLoss: &sl})
	s.PutOrder(schema.Order{OrderID: "1000000010", Status: schema.StatusOpen})
	s.PutOrder(schema.Order{OrderID: "1000000013", Status: schema.StatusCancelled})

	orders, err := s.ListArmable(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, "1000000011", orders[0].OrderID)
	require.Equal(t, "1000000012", orders[1].OrderID)
}

func TestReserveSharesOneNamespace(t *testing.T) {
	s := NewStore()
	ok, err := s.Reserve(context.Background(), "1234567890", idgen.KindOrder)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Reserve(context.Background(), "1234567890", idgen.KindStopLoss)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSymbolLookupIsCaseInsensitive(t *testing.T) {
	s := seeded()
	cfg, err := s.GetSymbolConfig(context.Background(), " EurUsd ")
	require.NoError(t, err)
	require.Equal(t, "EURUSD", cfg.Symbol)
	_, err = s.GetSymbolConfig(context.Background(), "XAUUSD")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestTransactionsOfDifferentUsersDoNotSerialise(t *testing.T) {
	s := seeded()
	s.PutAccount(schema.Account{UserID: "u2", Balance: decimal.NewFromInt(1000)})

	entered := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
			if _, err := tx.LockAccount(ctx, "u1"); err != nil {
				return err
			}
			close(entered)
			<-finish
			return tx.PersistMarginUpdate(ctx, "u1", decimal.NewFromInt(1), decimal.Zero)
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if _, err := tx.LockAccount(ctx, "u2"); err != nil {
			return err
		}
		return tx.PersistMarginUpdate(ctx, "u2", decimal.NewFromInt(7), decimal.Zero)
	})
	require.NoError(t, err)

	acct, err := s.GetUserAccount(context.Background(), "u2")
	require.NoError(t, err)
	require.True(t, acct.UsedMargin.Equal(decimal.NewFromInt(7)))

	close(finish)
	require.NoError(t, <-done)
}

func TestTransactionsOfOneUserSerialise(t *testing.T) {
	s := seeded()

	entered := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
			if _, err := tx.LockAccount(ctx, "u1"); err != nil {
				return err
			}
			close(entered)
			<-finish
			return tx.PersistMarginUpdate(ctx, "u1", decimal.NewFromInt(1), decimal.Zero)
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		_, err := tx.LockAccount(ctx, "u1")
		return err
	})
	require.True(t, errs.Is(err, errs.CodeLockTimeout), "got %v", err)

	close(finish)
	require.NoError(t, <-done)

	err = s.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
		acct, err := tx.LockAccount(ctx, "u1")
		require.True(t, acct.UsedMargin.Equal(decimal.NewFromInt(1)))
		return err
	})
	require.NoError(t, err)
}

func TestNegativeUsedMarginIsAConflict(t *testing.T) {
	s := seeded()
	err := s.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
		return tx.PersistMarginUpdate(ctx, "u1", decimal.NewFromInt(-5), decimal.Zero)
	})
	require.True(t, errs.Is(err, errs.CodeConflict), "got %v", err)

	acct, err := s.GetUserAccount(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, acct.UsedMargin.IsZero())
}
