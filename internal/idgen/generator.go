// Package idgen issues fixed-width numeric identifiers for orders and their SL/TP legs.
package idgen

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/observability"
)

// Kind labels the entity an identifier is issued for. All kinds share one namespace.
type Kind string

const (
	KindOrder      Kind = "order"
	KindStopLoss   Kind = "stoploss"
	KindTakeProfit Kind = "takeprofit"
)

const (
	minID   = 1_000_000_000
	idRange = 9_000_000_000

	defaultMaxAttempts    = 8
	defaultInitialBackoff = time.Millisecond
	defaultMaxBackoff     = 25 * time.Millisecond
)

// Reserver atomically claims a candidate id. It returns false when the id already exists.
type Reserver interface {
	Reserve(ctx context.Context, id string, kind Kind) (bool, error)
}

// Config bounds the collision retry loop.
type Config struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

func (c Config) normalise() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Source yields a uniformly distributed candidate offset in [0, 9e9).
type Source func() (uint64, error)

// Option customises a Generator.
type Option func(*Generator)

// WithSource overrides the candidate source.
func WithSource(src Source) Option {
	return func(g *Generator) {
		if src != nil {
			g.source = src
		}
	}
}

// Generator issues 10-digit identifiers. It holds no lock of its own; uniqueness
// is enforced by the Reserver.
type Generator struct {
	reserver Reserver
	cfg      Config
	source   Source
}

// New constructs a generator backed by the provided reserver.
func New(reserver Reserver, cfg Config, opts ...Option) *Generator {
	g := &Generator{
		reserver: reserver,
		cfg:      cfg.normalise(),
		source:   cryptoSource,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

var errCollision = errors.New("id collision")

// Generate returns a fresh identifier reserved for kind.
func (g *Generator) Generate(ctx context.Context, kind Kind) (string, error) {
	if g.reserver == nil {
		return "", errs.New("idgen", errs.CodeIDGeneration, errs.WithMessage("reserver required"))
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.cfg.InitialBackoff
	policy.MaxInterval = g.cfg.MaxBackoff

	attempts := 0
	id, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		offset, err := g.source()
		if err != nil {
			return "", fmt.Errorf("draw candidate: %w", err)
		}
		candidate := format(offset)
		ok, err := g.reserver.Reserve(ctx, candidate, kind)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
		if !ok {
			return "", errCollision
		}
		return candidate, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(g.cfg.MaxAttempts)))
	if err != nil {
		observability.Log().Error("id generation exhausted",
			observability.Field{Key: "kind", Value: string(kind)},
			observability.Field{Key: "attempts", Value: attempts},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return "", errs.New("idgen", errs.CodeIDGeneration,
			errs.WithMessage("no unique id after "+strconv.Itoa(attempts)+" attempts"),
			errs.WithField("kind", string(kind)),
			errs.WithCause(err),
		)
	}
	return id, nil
}

func format(offset uint64) string {
	return strconv.FormatUint(minID+offset%idRange, 10)
}

var idRangeBig = big.NewInt(idRange)

func cryptoSource() (uint64, error) {
	n, err := rand.Int(rand.Reader, idRangeBig)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// MemoryReserver keeps issued ids in process memory.
type MemoryReserver struct {
	issued sync.Map
}

// NewMemoryReserver constructs an empty in-memory reserver.
func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{}
}

// Reserve claims id if it has never been issued.
func (m *MemoryReserver) Reserve(_ context.Context, id string, kind Kind) (bool, error) {
	_, loaded := m.issued.LoadOrStore(id, kind)
	return !loaded, nil
}

// Contains reports whether id was issued.
func (m *MemoryReserver) Contains(id string) bool {
	_, ok := m.issued.Load(id)
	return ok
}
