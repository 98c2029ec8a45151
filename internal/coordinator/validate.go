package coordinator

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain/schema"
)

const maxSymbolLength = 32

func normaliseRequest(req schema.PlaceOrderRequest) (schema.PlaceOrderRequest, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Symbol = schema.NormalizeSymbol(req.Symbol)
	switch {
	case req.UserID == "":
		return req, errs.Validation(component, "user id required")
	case !validSymbol(req.Symbol):
		return req, errs.Validation(component, "malformed symbol", errs.WithField("symbol", req.Symbol))
	case !req.Side.Valid():
		return req, errs.Validation(component, "side must be BUY or SELL", errs.WithField("side", string(req.Side)))
	case !req.Kind.Valid():
		return req, errs.Validation(component, "kind must be MARKET, LIMIT or STOP", errs.WithField("kind", string(req.Kind)))
	case !req.Quantity.IsPositive():
		return req, errs.Validation(component, "quantity must be positive")
	}

	if req.Kind.Pending() {
		if req.Price == nil || !req.Price.IsPositive() {
			return req, errs.Validation(component, "LIMIT and STOP orders require a positive price")
		}
	} else if req.Price != nil {
		return req, errs.Validation(component, "MARKET orders must not carry a price")
	}

	if req.StopLoss != nil && !req.StopLoss.IsPositive() {
		return req, errs.Validation(component, "stop loss must be positive")
	}
	if req.TakeProfit != nil && !req.TakeProfit.IsPositive() {
		return req, errs.Validation(component, "take profit must be positive")
	}
	if req.Kind.Pending() {
		if err := validateLegs(req.Side, *req.Price, req.StopLoss, req.TakeProfit); err != nil {
			return req, err
		}
	}
	return req, nil
}

func validSymbol(symbol string) bool {
	if symbol == "" || len(symbol) > maxSymbolLength {
		return false
	}
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-', r == '/':
		default:
			return false
		}
	}
	return true
}

// validateLegs checks that SL and TP sit on the losing and winning side of entry.
func validateLegs(side schema.Side, entry decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) error {
	if side == schema.SideBuy {
		if stopLoss != nil && !stopLoss.LessThan(entry) {
			return errs.Validation(component, "stop loss must be below entry for BUY",
				errs.WithField("stop_loss", stopLoss.String()), errs.WithField("entry", entry.String()))
		}
		if takeProfit != nil && !takeProfit.GreaterThan(entry) {
			return errs.Validation(component, "take profit must be above entry for BUY",
				errs.WithField("take_profit", takeProfit.String()), errs.WithField("entry", entry.String()))
		}
		return nil
	}
	if stopLoss != nil && !stopLoss.GreaterThan(entry) {
		return errs.Validation(component, "stop loss must be above entry for SELL",
			errs.WithField("stop_loss", stopLoss.String()), errs.WithField("entry", entry.String()))
	}
	if takeProfit != nil && !takeProfit.LessThan(entry) {
		return errs.Validation(component, "take profit must be below entry for SELL",
			errs.WithField("take_profit", takeProfit.String()), errs.WithField("entry", entry.String()))
	}
	return nil
}
