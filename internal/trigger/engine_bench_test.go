package trigger

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/coachpo/tradecore/internal/domain/schema"
)

type sleepyExecutor struct{ d time.Duration }

func (s sleepyExecutor) ExecuteTrigger(context.Context, schema.ArmedOrder, schema.PriceTick) (schema.OrderResult, error) {
	time.Sleep(s.d)
	return schema.OrderResult{Status: schema.StatusOpen}, nil
}

// BenchmarkPolicies compares parallel-per-symbol and sequential evaluation over the
// same workload: each tick fires one freshly armed order per symbol.
func BenchmarkPolicies(b *testing.B) {
	for _, symbols := range []int{1, 8, 64} {
		for _, execCost := range []time.Duration{0, 50 * time.Microsecond} {
			for _, policy := range []Policy{PolicySequential, PolicyParallel} {
				name := fmt.Sprintf("%s/symbols=%d/exec=%s", policy, symbols, execCost)
				b.Run(name, func(b *testing.B) {
					benchPolicy(b, policy, symbols, execCost)
				})
			}
		}
	}
}

func benchPolicy(b *testing.B, policy Policy, symbols int, execCost time.Duration) {
	engine := NewEngine(NewIndex(), sleepyExecutor{d: execCost}, Config{Policy: policy, LaneBuffer: 1024})
	names := make([]string, symbols)
	for i := range names {
		names[i] = "SYM" + strconv.Itoa(i)
	}
	ticks := make(chan schema.PriceTick, 1024)
	done := make(chan struct{})
	go func() {
		_ = engine.Run(context.Background(), ticks)
		close(done)
	}()

	b.ResetTimer()
	id := 1_000_000_000
	for i := 0; i < b.N; i++ {
		sym := names[i%symbols]
		id++
		engine.Arm(schema.ArmedOrder{
			OrderID: strconv.Itoa(id), Symbol: sym, Side: schema.SideBuy,
			Kind: schema.KindLimit, Leg: schema.LegEntry, Price: dec("2"),
		})
		ticks <- schema.PriceTick{Symbol: sym, Bid: dec("1"), Ask: dec("1.0001"), Sequence: uint64(i + 1)}
	}
	close(ticks)
	<-done
}
