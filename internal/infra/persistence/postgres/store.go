// Package postgres implements the order engine persistence contracts on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradecore/internal/domain/orderstore"
	"github.com/coachpo/tradecore/internal/infra/persistence"
)

const component = "postgres-store"

// Store persists accounts, orders, symbol configuration and issued ids.
type Store struct {
	*persistence.Store
}

var _ persistence.Backend = (*Store)(nil)

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.Pool() == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.Pool(), nil
}

// WithTransaction runs fn inside a read-committed transaction. Row locks taken
// through the Tx are held until fn returns.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) (err error) {
	if fn == nil {
		return fmt.Errorf("order store: transaction function required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
	})
	if err != nil {
		return fmt.Errorf("order store: begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("order store: rollback: %w", rbErr))
		}
	}()

	if err = fn(ctx, &storeTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("order store: commit transaction: %w", err)
	}
	committed = true
	return nil
}

type storeTx struct {
	tx pgx.Tx
}
