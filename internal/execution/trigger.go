package execution

import (
	"github.com/shopspring/decimal"

	"autotrade/internal/model"
)

// Trigger reports whether o fires at market and, if so, the fill price.
//
//	MARKET            always, at market
//	LIMIT BUY         market <= limit, at market
//	LIMIT SELL        market >= limit, at market
//	STOP_LIMIT SELL   market <= stop, at max(market, limit)
//	STOP_LIMIT BUY    market >= stop, at min(market, limit)
//
// A STOP_LIMIT fill is therefore never worse than its limit.
func Trigger(o *model.Order, market decimal.Decimal) (decimal.Decimal, bool) {
	if !market.IsPositive() {
		return decimal.Zero, false
	}
	switch o.Type {
	case model.OrderTypeMarket:
		return market, true

	case model.OrderTypeLimit:
		limit := o.LimitPrice.Decimal
		if o.Action == model.ActionBuy && market.LessThanOrEqual(limit) {
			return market, true
		}
		if o.Action == model.ActionSell && market.GreaterThanOrEqual(limit) {
			return market, true
		}

	case model.OrderTypeStopLimit:
		stop, limit := o.StopPrice.Decimal, o.LimitPrice.Decimal
		if o.Action == model.ActionSell && market.LessThanOrEqual(stop) {
			return decimal.Max(market, limit), true
		}
		if o.Action == model.ActionBuy && market.GreaterThanOrEqual(stop) {
			return decimal.Min(market, limit), true
		}
	}
	return decimal.Zero, false
}
