package portfolio

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"autotrade/internal/model"
)

// Marks maps symbol to a current market price.
type Marks map[string]decimal.Decimal

// FetchMarks asks feed for a price per held symbol. Symbols the feed cannot
// price are left out so valuation falls back to average cost.
func FetchMarks(ctx context.Context, feed model.PriceFeed, s *model.PortfolioSnapshot) Marks {
	marks := make(Marks, len(s.Positions))
	for sym := range s.Positions {
		snap, err := feed.Snapshot(ctx, sym)
		if err != nil {
			slog.Debug("portfolio: mark unavailable, using cost", "portfolio", s.ID, "symbol", sym, "error", err)
			continue
		}
		marks[sym] = snap.Price
	}
	return marks
}

// TotalValue is cash plus each position at its mark, or at average cost
// when no mark is known.
func TotalValue(s *model.PortfolioSnapshot, marks Marks) decimal.Decimal {
	total := s.Cash
	for sym, p := range s.Positions {
		px := p.AverageCost
		if m, ok := marks[sym]; ok {
			px = m
		}
		total = total.Add(px.Mul(decimal.NewFromInt(p.Quantity)))
	}
	return total
}
