// Package trigger evaluates armed orders against incoming ticks and fires each exactly once.
package trigger

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coachpo/tradecore/internal/domain/schema"
)

const (
	stateArmed int32 = iota
	stateClaimed
	stateTriggered
	stateRemoved
)

type armedEntry struct {
	order schema.ArmedOrder
	state atomic.Int32
	seq   uint64
}

func (e *armedEntry) claim() bool {
	return e.state.CompareAndSwap(stateArmed, stateClaimed)
}

// Index maps symbols to armed entries. Entries carry their own atomic state, so
// membership changes and claims never share a lock.
type Index struct {
	mu       sync.RWMutex
	bySymbol map[string]map[string]*armedEntry
	byOrder  map[string]map[string]*armedEntry
	inserted uint64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		bySymbol: make(map[string]map[string]*armedEntry),
		byOrder:  make(map[string]map[string]*armedEntry),
	}
}

// Arm adds the entry. Arming a key that is already present and armed is a no-op.
func (x *Index) Arm(order schema.ArmedOrder) {
	order.Symbol = schema.NormalizeSymbol(order.Symbol)
	key := order.Key()
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.byOrder[order.OrderID][key]; ok && existing.state.Load() != stateRemoved {
		return
	}
	x.inserted++
	e := &armedEntry{order: order, seq: x.inserted}
	sym, ok := x.bySymbol[order.Symbol]
	if !ok {
		sym = make(map[string]*armedEntry)
		x.bySymbol[order.Symbol] = sym
	}
	sym[key] = e
	legs, ok := x.byOrder[order.OrderID]
	if !ok {
		legs = make(map[string]*armedEntry)
		x.byOrder[order.OrderID] = legs
	}
	legs[key] = e
}

// ArmAll arms every entry.
func (x *Index) ArmAll(orders []schema.ArmedOrder) {
	for _, o := range orders {
		x.Arm(o)
	}
}

func (x *Index) removeLocked(e *armedEntry) {
	key := e.order.Key()
	if sym, ok := x.bySymbol[e.order.Symbol]; ok && sym[key] == e {
		delete(sym, key)
		if len(sym) == 0 {
			delete(x.bySymbol, e.order.Symbol)
		}
	}
	if legs, ok := x.byOrder[e.order.OrderID]; ok && legs[key] == e {
		delete(legs, key)
		if len(legs) == 0 {
			delete(x.byOrder, e.order.OrderID)
		}
	}
}

func (x *Index) remove(e *armedEntry) {
	x.mu.Lock()
	x.removeLocked(e)
	x.mu.Unlock()
}

// Disarm removes every armed leg of the order. Legs currently claimed by an
// in-flight execution are unlinked but keep their state.
func (x *Index) Disarm(orderID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	legs := x.byOrder[orderID]
	removed := 0
	for _, e := range legs {
		e.state.CompareAndSwap(stateArmed, stateRemoved)
		x.removeLocked(e)
		removed++
	}
	return removed
}

// candidates snapshots the entries for a symbol ordered by order id, then leg, then insertion.
func (x *Index) candidates(symbol string) []*armedEntry {
	x.mu.RLock()
	sym := x.bySymbol[symbol]
	out := make([]*armedEntry, 0, len(sym))
	for _, e := range sym {
		out = append(out, e)
	}
	x.mu.RUnlock()
	sortEntries(out)
	return out
}

func sortEntries(entries []*armedEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].order, entries[j].order
		if len(a.OrderID) != len(b.OrderID) {
			return len(a.OrderID) < len(b.OrderID)
		}
		if a.OrderID != b.OrderID {
			return a.OrderID < b.OrderID
		}
		if a.Leg != b.Leg {
			return legRank(a.Leg) < legRank(b.Leg)
		}
		return entries[i].seq < entries[j].seq
	})
}

func legRank(l schema.Leg) int {
	switch l {
	case schema.LegEntry:
		return 0
	case schema.LegStopLoss:
		return 1
	default:
		return 2
	}
}

// Armed returns the armed entries for a symbol in trigger priority order.
func (x *Index) Armed(symbol string) []schema.ArmedOrder {
	entries := x.candidates(schema.NormalizeSymbol(symbol))
	out := make([]schema.ArmedOrder, 0, len(entries))
	for _, e := range entries {
		if e.state.Load() == stateArmed {
			out = append(out, e.order)
		}
	}
	return out
}

// Contains reports whether the order has an armed leg of the given kind.
func (x *Index) Contains(orderID string, leg schema.Leg) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, e := range x.byOrder[orderID] {
		if e.order.Leg == leg {
			return true
		}
	}
	return false
}

// Len returns the number of indexed entries across all symbols.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, sym := range x.bySymbol {
		n += len(sym)
	}
	return n
}

// Symbols returns the symbols that currently have armed entries.
func (x *Index) Symbols() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.bySymbol))
	for s := range x.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
