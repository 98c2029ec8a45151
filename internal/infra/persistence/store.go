// Package persistence holds the wiring shared by the order engine store backends.
package persistence

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradecore/internal/domain/orderstore"
	"github.com/coachpo/tradecore/internal/idgen"
)

// Backend is the full persistence surface the engine binary wires: orders and
// accounts, symbol configuration, and the shared id namespace.
type Backend interface {
	orderstore.Store
	orderstore.SymbolDirectory
	idgen.Reserver
}

// Store carries the pgx pool for database-backed implementations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps pool. A nil pool yields a store whose operations fail.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool, or nil.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}
