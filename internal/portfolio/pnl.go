package portfolio

import (
	"github.com/shopspring/decimal"

	"autotrade/internal/model"
)

// AddShares grows pos by qty bought at price, keeping a weighted average cost.
func AddShares(pos model.Position, qty int64, price decimal.Decimal) model.Position {
	if pos.Quantity <= 0 {
		return model.Position{Symbol: pos.Symbol, Quantity: qty, AverageCost: price}
	}
	total := pos.CostBasis().Add(price.Mul(decimal.NewFromInt(qty)))
	pos.Quantity += qty
	pos.AverageCost = total.Div(decimal.NewFromInt(pos.Quantity))
	return pos
}

// RemoveShares shrinks pos by qty sold at price and returns the realized P&L.
// The caller must have checked that qty <= pos.Quantity.
func RemoveShares(pos model.Position, qty int64, price decimal.Decimal) (model.Position, decimal.Decimal) {
	realized := price.Sub(pos.AverageCost).Mul(decimal.NewFromInt(qty))
	pos.Quantity -= qty
	if pos.Quantity <= 0 {
		pos.Quantity = 0
		pos.AverageCost = decimal.Zero
	}
	return pos, realized
}

// PnLSummary is the mark-to-market view of one portfolio.
type PnLSummary struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	TotalTrades   int             `json:"total_trades"`
	OpenPositions int             `json:"open_positions"`
}

// Summarize computes P&L against marks. Symbols without a mark contribute
// no unrealized P&L.
func Summarize(s *model.PortfolioSnapshot, marks Marks) PnLSummary {
	unrealized := decimal.Zero
	open := 0
	for sym, p := range s.Positions {
		if p.Quantity <= 0 {
			continue
		}
		open++
		if m, ok := marks[sym]; ok {
			unrealized = unrealized.Add(m.Sub(p.AverageCost).Mul(decimal.NewFromInt(p.Quantity)))
		}
	}
	return PnLSummary{
		RealizedPnL:   s.RealizedPnL,
		UnrealizedPnL: unrealized,
		TotalPnL:      s.RealizedPnL.Add(unrealized),
		TotalTrades:   len(s.Trades),
		OpenPositions: open,
	}
}
