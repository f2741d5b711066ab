package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/markethours"
	"autotrade/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Assessment is everything the assignment checks look at.
type Assessment struct {
	Order    *model.Order
	Rule     model.StrategyRule
	Snapshot *model.PortfolioSnapshot

	// RefPrice is the per-share price used for funds and position sizing:
	// the limit price when present, otherwise a current market price.
	RefPrice decimal.Decimal

	// TotalValue is the marked portfolio value used for position sizing.
	TotalValue decimal.Decimal

	Now time.Time

	// SkipDayTrade exempts protective child orders from the day-trade rule.
	SkipDayTrade bool
}

// Checker runs the assignment checks in a fixed order and reports the first
// failure.
type Checker struct {
	Calendar *markethours.Calendar
}

// NewChecker returns a Checker using cal to decide trading-day boundaries.
func NewChecker(cal *markethours.Calendar) *Checker {
	return &Checker{Calendar: cal}
}

// Check returns "" when every check passes, otherwise the rejection reason.
// Order: day trade, risk tolerance, funds or shares, position size.
func (c *Checker) Check(a Assessment) model.Reason {
	o := a.Order
	if !a.SkipDayTrade && c.DayTradeBlocked(o, a.Rule, a.Snapshot, a.Now) {
		return model.ReasonDayTradeBlocked
	}
	if RiskExceeded(o, a.Rule) {
		return model.ReasonRiskExceeded
	}
	if r := Sufficiency(o, a.Snapshot, a.RefPrice); r != "" {
		return r
	}
	if PositionLimitExceeded(o, a.Rule, a.Snapshot, a.RefPrice, a.TotalValue) {
		return model.ReasonPositionLimitExceeded
	}
	return ""
}

// DayTradeBlocked reports whether a SELL would close shares of a symbol
// bought earlier in the same trading day while the rule forbids it.
func (c *Checker) DayTradeBlocked(o *model.Order, rule model.StrategyRule, s *model.PortfolioSnapshot, now time.Time) bool {
	if rule.AllowDayTrading || o.Action != model.ActionSell {
		return false
	}
	for _, t := range s.Trades {
		if t.Symbol == o.Symbol && t.Action == model.ActionBuy && c.Calendar.SameTradingDay(t.ExecutedAt, now) {
			return true
		}
	}
	return false
}

// RiskExceeded reports whether the order is riskier than the rule tolerates.
func RiskExceeded(o *model.Order, rule model.StrategyRule) bool {
	return o.RiskLevel.Rank() > rule.RiskTolerance.Rank()
}

// Sufficiency checks that a BUY is covered by cash at price, or that a SELL
// is covered by held shares. It returns the matching rejection reason or "".
func Sufficiency(o *model.Order, s *model.PortfolioSnapshot, price decimal.Decimal) model.Reason {
	switch o.Action {
	case model.ActionBuy:
		if price.Mul(decimal.NewFromInt(o.Quantity)).GreaterThan(s.Cash) {
			return model.ReasonInsufficientFunds
		}
	case model.ActionSell:
		if s.Held(o.Symbol) < o.Quantity {
			return model.ReasonInsufficientShares
		}
	}
	return ""
}

// StaleSufficiency is Sufficiency as re-run at execution time, mapped onto
// the stale rejection reasons.
func StaleSufficiency(o *model.Order, s *model.PortfolioSnapshot, price decimal.Decimal) model.Reason {
	switch Sufficiency(o, s, price) {
	case model.ReasonInsufficientFunds:
		return model.ReasonStaleInsufficientFunds
	case model.ReasonInsufficientShares:
		return model.ReasonStaleInsufficientShares
	}
	return ""
}

// PositionLimitExceeded reports whether, after a BUY, the position's value
// at price would exceed MaxPositionPercent of totalValue. SELLs only shrink
// positions and always pass.
func PositionLimitExceeded(o *model.Order, rule model.StrategyRule, s *model.PortfolioSnapshot, price, totalValue decimal.Decimal) bool {
	if o.Action != model.ActionBuy {
		return false
	}
	projected := decimal.NewFromInt(s.Held(o.Symbol) + o.Quantity).Mul(price)
	limit := totalValue.Mul(rule.MaxPositionPercent).Div(hundred)
	return projected.GreaterThan(limit)
}

// ValidRule reports whether rule's fields are usable.
func ValidRule(rule model.StrategyRule) bool {
	if !rule.RiskTolerance.Valid() {
		return false
	}
	return rule.MaxPositionPercent.IsPositive() && rule.MaxPositionPercent.LessThanOrEqual(hundred)
}
