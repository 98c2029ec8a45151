package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
)

func TestManager_CheckOrder_Throttle(t *testing.T) {
	limits := Limits{
		OrderThrottle: 1,
		Burst:         10,
	}
	manager := NewManager(limits)

	req := schema.PlaceOrderRequest{UserID: "u-1", Quantity: decimal.NewFromInt(1)}

	// burst passes
	for i := 0; i < 10; i++ {
		if err := manager.CheckOrder(context.Background(), req); err != nil {
			t.Fatalf("order %d should have passed, but got error: %v", i+1, err)
		}
	}

	err := manager.CheckOrder(context.Background(), req)
	if !errs.Is(err, errs.CodeRateLimited) {
		t.Fatalf("11th order should have been throttled, got %v", err)
	}
	if !errs.IsRetryable(err) {
		t.Fatalf("throttle errors should be retryable")
	}

	other := schema.PlaceOrderRequest{UserID: "u-2", Quantity: decimal.NewFromInt(1)}
	if err := manager.CheckOrder(context.Background(), other); err != nil {
		t.Fatalf("throttling must be per user, got %v", err)
	}
}

func TestManager_CheckOrder_WaitsWithinBudget(t *testing.T) {
	manager := NewManager(Limits{OrderThrottle: 100, Burst: 1, MaxWait: 200 * time.Millisecond})
	req := schema.PlaceOrderRequest{UserID: "u-1", Quantity: decimal.NewFromInt(1)}
	for i := 0; i < 3; i++ {
		if err := manager.CheckOrder(context.Background(), req); err != nil {
			t.Fatalf("order %d should wait for a token, got %v", i+1, err)
		}
	}
}

func TestManager_CheckOrder_QuantityLimit(t *testing.T) {
	manager := NewManager(Limits{MaxOrderQuantity: decimal.NewFromInt(10)})

	req := schema.PlaceOrderRequest{UserID: "u-1", Quantity: decimal.NewFromInt(11)}
	err := manager.CheckOrder(context.Background(), req)
	if !errs.Is(err, errs.CodeValidation) {
		t.Fatalf("order should have been rejected by the quantity limit, got %v", err)
	}
}

func TestManager_SweepsIdleLimiters(t *testing.T) {
	manager := NewManager(Limits{OrderThrottle: 1000, Burst: 1000, IdleTTL: time.Minute})
	clock := time.Now()
	manager.now = func() time.Time { return clock }

	_ = manager.CheckOrder(context.Background(), schema.PlaceOrderRequest{UserID: "idle", Quantity: decimal.NewFromInt(1)})
	clock = clock.Add(2 * time.Minute)
	for i := 0; i < sweepEvery; i++ {
		_ = manager.CheckOrder(context.Background(), schema.PlaceOrderRequest{UserID: "busy", Quantity: decimal.NewFromInt(1)})
	}
	if got := manager.Tracked(); got != 1 {
		t.Fatalf("expected idle limiter to be evicted, tracked=%d", got)
	}
}
