// Package userlock provides per-user mutual exclusion for margin-mutating critical sections.
package userlock

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/coachpo/tradecore/errs"
)

const defaultShards = 64

type entry struct {
	sem  chan struct{}
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Manager hands out one exclusive lock per user id. Entries are created on first
// use and dropped once no holder or waiter references them.
type Manager struct {
	shards []shard
	mask   uint32
}

// NewManager creates a manager with the given shard count, rounded up to a power of two.
func NewManager(shards int) *Manager {
	if shards <= 0 {
		shards = defaultShards
	}
	size := 1
	for size < shards {
		size <<= 1
	}
	m := &Manager{shards: make([]shard, size), mask: uint32(size - 1)}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

func (m *Manager) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &m.shards[h.Sum32()&m.mask]
}

func (m *Manager) ref(userID string) (*shard, *entry) {
	sh := m.shardFor(userID)
	sh.mu.Lock()
	e, ok := sh.entries[userID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		sh.entries[userID] = e
	}
	e.refs++
	sh.mu.Unlock()
	return sh, e
}

func (m *Manager) unref(sh *shard, userID string, e *entry) {
	sh.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(sh.entries, userID)
	}
	sh.mu.Unlock()
}

// Guard represents a held user lock.
type Guard struct {
	once    sync.Once
	release func()
	userID  string
}

// UserID returns the locked user id.
func (g *Guard) UserID() string { return g.userID }

// Release unlocks the user. Safe to call more than once.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(g.release)
}

// Acquire blocks until the user's lock is free, ctx is done, or timeout elapses.
// A non-positive timeout waits on ctx alone.
func (m *Manager) Acquire(ctx context.Context, userID string, timeout time.Duration) (*Guard, error) {
	if userID == "" {
		return nil, errs.Validation("userlock", "user id required")
	}
	sh, e := m.ref(userID)

	// fast path
	select {
	case e.sem <- struct{}{}:
		return m.guard(sh, userID, e), nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case e.sem <- struct{}{}:
		return m.guard(sh, userID, e), nil
	case <-ctx.Done():
		m.unref(sh, userID, e)
		return nil, errs.New("userlock", errs.CodeLockTimeout,
			errs.WithMessage("lock wait cancelled"),
			errs.WithField("user", userID),
			errs.WithCause(ctx.Err()),
		)
	case <-expired:
		m.unref(sh, userID, e)
		return nil, errs.New("userlock", errs.CodeLockTimeout,
			errs.WithMessage("lock wait timed out after "+timeout.String()),
			errs.WithField("user", userID),
		)
	}
}

func (m *Manager) guard(sh *shard, userID string, e *entry) *Guard {
	return &Guard{
		userID: userID,
		release: func() {
			<-e.sem
			m.unref(sh, userID, e)
		},
	}
}

// WithLock runs fn while holding the user's lock.
func (m *Manager) WithLock(ctx context.Context, userID string, timeout time.Duration, fn func(context.Context) error) error {
	guard, err := m.Acquire(ctx, userID, timeout)
	if err != nil {
		return err
	}
	defer guard.Release()
	return fn(ctx)
}

// Len reports how many user entries are currently materialised.
func (m *Manager) Len() int {
	total := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
