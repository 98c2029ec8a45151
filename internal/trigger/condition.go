package trigger

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/internal/domain/schema"
)

// Satisfied reports whether tick meets the armed entry's condition and returns the
// price side the condition was evaluated against. Boundaries are inclusive.
//
//	LIMIT BUY  ask <= p    LIMIT SELL bid >= p
//	STOP BUY   ask >= p    STOP SELL  bid <= p
//	SL on BUY  bid <= p    TP on BUY  bid >= p
//	SL on SELL ask >= p    TP on SELL ask <= p
func Satisfied(a schema.ArmedOrder, tick schema.PriceTick) (bool, decimal.Decimal) {
	switch a.Leg {
	case schema.LegEntry:
		px := tick.Quote().PriceFor(a.Side)
		if !px.IsPositive() {
			return false, px
		}
		switch {
		case a.Kind == schema.KindLimit && a.Side == schema.SideBuy:
			return px.LessThanOrEqual(a.Price), px
		case a.Kind == schema.KindLimit && a.Side == schema.SideSell:
			return px.GreaterThanOrEqual(a.Price), px
		case a.Kind == schema.KindStop && a.Side == schema.SideBuy:
			return px.GreaterThanOrEqual(a.Price), px
		case a.Kind == schema.KindStop && a.Side == schema.SideSell:
			return px.LessThanOrEqual(a.Price), px
		}
		return false, px
	case schema.LegStopLoss, schema.LegTakeProfit:
		// the position closes on the opposite side of its entry
		px := tick.Quote().PriceFor(a.Side.Opposite())
		if !px.IsPositive() {
			return false, px
		}
		stop := a.Leg == schema.LegStopLoss
		if a.Side == schema.SideBuy {
			if stop {
				return px.LessThanOrEqual(a.Price), px
			}
			return px.GreaterThanOrEqual(a.Price), px
		}
		if stop {
			return px.GreaterThanOrEqual(a.Price), px
		}
		return px.LessThanOrEqual(a.Price), px
	default:
		return false, decimal.Zero
	}
}
