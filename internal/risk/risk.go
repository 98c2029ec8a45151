// Package risk enforces per-user pre-trade limits ahead of the margin pipeline.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
)

// Limits defines per-user pre-trade parameters.
type Limits struct {
	// MaxOrderQuantity caps the lots of a single order. Zero disables the check.
	MaxOrderQuantity decimal.Decimal `yaml:"maxOrderQuantity"`

	// OrderThrottle is the sustained number of orders per second per user. Zero disables throttling.
	OrderThrottle float64 `yaml:"orderThrottle"`

	// Burst is the number of orders a user may submit back to back.
	Burst int `yaml:"burst"`

	// MaxWait bounds how long a throttled order may wait for a token.
	MaxWait time.Duration `yaml:"maxWait"`

	// IdleTTL evicts limiters of users inactive for longer than this.
	IdleTTL time.Duration `yaml:"idleTTL"`
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Manager enforces risk limits for order placement.
type Manager struct {
	limits   Limits
	mu       sync.Mutex
	limiters map[string]*userLimiter
	checks   int
	now      func() time.Time
}

const sweepEvery = 1024

// NewManager creates a new risk manager with the given limits.
func NewManager(limits Limits) *Manager {
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	if limits.IdleTTL <= 0 {
		limits.IdleTTL = 10 * time.Minute
	}
	return &Manager{
		limits:   limits,
		limiters: make(map[string]*userLimiter),
		now:      time.Now,
	}
}

func (m *Manager) limiterFor(userID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.checks++
	if m.checks%sweepEvery == 0 {
		m.sweepLocked(now)
	}
	ul, ok := m.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Limit(m.limits.OrderThrottle), m.limits.Burst)}
		m.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.limiter
}

func (m *Manager) sweepLocked(now time.Time) {
	for id, ul := range m.limiters {
		if now.Sub(ul.lastSeen) > m.limits.IdleTTL {
			delete(m.limiters, id)
		}
	}
}

// Tracked returns how many users currently hold a limiter.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// CheckOrder evaluates an order request against the configured limits.
func (m *Manager) CheckOrder(ctx context.Context, req schema.PlaceOrderRequest) error {
	if m.limits.MaxOrderQuantity.IsPositive() && req.Quantity.GreaterThan(m.limits.MaxOrderQuantity) {
		return errs.Validation("risk", "order quantity "+req.Quantity.String()+" exceeds max "+m.limits.MaxOrderQuantity.String())
	}
	if m.limits.OrderThrottle <= 0 {
		return nil
	}
	limiter := m.limiterFor(req.UserID)
	if limiter.Allow() {
		return nil
	}
	if m.limits.MaxWait <= 0 {
		return errs.New("risk", errs.CodeRateLimited, errs.WithMessage("order throttle limit exceeded"))
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.limits.MaxWait)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		return errs.New("risk", errs.CodeRateLimited,
			errs.WithMessage("order throttle limit exceeded"),
			errs.WithCause(err),
		)
	}
	return nil
}
