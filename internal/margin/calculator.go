// Package margin implements the fixed-point margin, commission, and PnL arithmetic.
//
// Every function here is pure. Rounding is round-half-up and is applied exactly
// once, at the final step of each computation.
package margin

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
)

// DefaultPrecision is used when a symbol carries no margin precision.
const DefaultPrecision int32 = 2

var hundred = decimal.NewFromInt(100)

// Input carries the operands of a single required-margin computation.
type Input struct {
	Quantity       decimal.Decimal
	ContractSize   decimal.Decimal
	Price          decimal.Decimal
	Leverage       decimal.Decimal
	ConversionRate decimal.Decimal
	Precision      int32
}

// InputFor assembles an Input from symbol configuration.
func InputFor(cfg schema.SymbolConfig, quantity, price, conversionRate decimal.Decimal) Input {
	return Input{
		Quantity:       quantity,
		ContractSize:   cfg.ContractSize,
		Price:          price,
		Leverage:       cfg.Leverage,
		ConversionRate: conversionRate,
		Precision:      precisionOf(cfg),
	}
}

func precisionOf(cfg schema.SymbolConfig) int32 {
	if cfg.MarginPrecision > 0 {
		return cfg.MarginPrecision
	}
	return DefaultPrecision
}

// RequiredMargin returns quantity * contractSize * price / leverage * conversionRate.
func RequiredMargin(in Input) (decimal.Decimal, error) {
	switch {
	case !in.Quantity.IsPositive():
		return decimal.Zero, errs.Validation("margin", "quantity must be positive")
	case !in.ContractSize.IsPositive():
		return decimal.Zero, errs.Validation("margin", "contract size must be positive")
	case !in.Price.IsPositive():
		return decimal.Zero, errs.StaleData("margin", "price unavailable")
	case !in.Leverage.IsPositive():
		return decimal.Zero, errs.Validation("margin", "leverage must be positive")
	case !in.ConversionRate.IsPositive():
		return decimal.Zero, errs.StaleData("margin", "conversion rate unavailable")
	}
	precision := in.Precision
	if precision <= 0 {
		precision = DefaultPrecision
	}
	notional := in.Quantity.Mul(in.ContractSize).Mul(in.Price).Mul(in.ConversionRate)
	return notional.DivRound(in.Leverage, precision), nil
}

// Exposure is one position's contribution input: its side, size, and stored margin.
type Exposure struct {
	Side     schema.Side
	Quantity decimal.Decimal
	Margin   decimal.Decimal
}

// ExposureOf projects an order into an Exposure.
func ExposureOf(order schema.Order) Exposure {
	return Exposure{Side: order.Side, Quantity: order.Quantity, Margin: order.MarginUsed}
}

// ExposuresOf projects the open orders of a list.
func ExposuresOf(orders []schema.Order) []Exposure {
	out := make([]Exposure, 0, len(orders))
	for _, o := range orders {
		if o.Status != schema.StatusOpen {
			continue
		}
		out = append(out, ExposureOf(o))
	}
	return out
}

// AggregateMarginContribution sums the margin of every exposure.
func AggregateMarginContribution(exposures []Exposure) decimal.Decimal {
	total := decimal.Zero
	for _, e := range exposures {
		total = total.Add(e.Margin)
	}
	return total
}

// HedgedMarginContribution charges max(buy lots, sell lots) at the highest margin per lot.
func HedgedMarginContribution(exposures []Exposure, precision int32) decimal.Decimal {
	if len(exposures) == 0 {
		return decimal.Zero
	}
	if precision <= 0 {
		precision = DefaultPrecision
	}
	buyQty, sellQty := decimal.Zero, decimal.Zero
	var highest decimal.Decimal
	var highestQty decimal.Decimal
	for _, e := range exposures {
		if !e.Quantity.IsPositive() {
			continue
		}
		if e.Side == schema.SideBuy {
			buyQty = buyQty.Add(e.Quantity)
		} else {
			sellQty = sellQty.Add(e.Quantity)
		}
		// compare e.Margin/e.Quantity > highest/highestQty without dividing
		if highestQty.IsZero() || e.Margin.Mul(highestQty).GreaterThan(highest.Mul(e.Quantity)) {
			highest = e.Margin
			highestQty = e.Quantity
		}
	}
	if highestQty.IsZero() {
		return decimal.Zero
	}
	net := decimal.Max(buyQty, sellQty)
	return net.Mul(highest).DivRound(highestQty, precision)
}

// Contribution dispatches on the symbol's margin mode.
func Contribution(mode schema.MarginMode, exposures []Exposure, precision int32) decimal.Decimal {
	if mode == schema.MarginModeHedged {
		return HedgedMarginContribution(exposures, precision)
	}
	return AggregateMarginContribution(exposures)
}

// Delta returns after - before, floored at zero so a commit never credits margin.
func Delta(before, after decimal.Decimal) decimal.Decimal {
	delta := after.Sub(before)
	if delta.IsNegative() {
		return decimal.Zero
	}
	return delta
}

// Commission computes the commission for an order in account currency.
func Commission(cfg schema.SymbolConfig, quantity, price, conversionRate decimal.Decimal) decimal.Decimal {
	precision := precisionOf(cfg)
	switch cfg.CommissionType {
	case schema.CommissionPerLot:
		return quantity.Mul(cfg.CommissionRate).Round(precision)
	case schema.CommissionPercent:
		notional := quantity.Mul(cfg.ContractSize).Mul(price).Mul(conversionRate)
		return notional.Mul(cfg.CommissionRate).DivRound(hundred, precision)
	default:
		return decimal.Zero
	}
}

// RealizedPnL returns the profit of closing a position, in account currency.
func RealizedPnL(cfg schema.SymbolConfig, side schema.Side, quantity, entry, exit, conversionRate decimal.Decimal) decimal.Decimal {
	move := exit.Sub(entry)
	if side == schema.SideSell {
		move = move.Neg()
	}
	return move.Mul(quantity).Mul(cfg.ContractSize).Mul(conversionRate).Round(precisionOf(cfg))
}
