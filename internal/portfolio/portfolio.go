// Package portfolio holds the ledger arithmetic shared by every store:
// cash movements, position averaging, realized P&L and valuation, plus the
// per-order checks run at assignment and re-run at execution.
//
// Functions here mutate a *model.PortfolioSnapshot in place and never do I/O.
// Stores load a snapshot, apply a change, and persist it under their own lock
// or transaction so that a failed check leaves the stored ledger untouched.
package portfolio

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/model"
)

// NewSnapshot returns an empty ledger funded with cash.
func NewSnapshot(id string, cash decimal.Decimal, now time.Time) *model.PortfolioSnapshot {
	return &model.PortfolioSnapshot{
		ID:         id,
		Cash:       cash,
		Positions:  make(map[string]model.Position),
		TotalValue: cash,
		UpdatedAt:  now,
	}
}

// Debit removes amount from cash. Cash never goes negative.
func Debit(s *model.PortfolioSnapshot, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("debit %s: amount must be non-negative", amount)
	}
	if s.Cash.LessThan(amount) {
		return fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientFunds, amount, s.Cash)
	}
	s.Cash = s.Cash.Sub(amount)
	recompute(s)
	return nil
}

// Credit adds amount to cash.
func Credit(s *model.PortfolioSnapshot, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit %s: amount must be non-negative", amount)
	}
	s.Cash = s.Cash.Add(amount)
	recompute(s)
	return nil
}

// Adjust changes the holding of symbol by deltaQty at price. Positive deltas
// re-average cost; negative deltas may not exceed the current holding.
// It returns the realized P&L of a reduction.
func Adjust(s *model.PortfolioSnapshot, symbol string, deltaQty int64, price decimal.Decimal) (decimal.Decimal, error) {
	pos := s.Positions[symbol]
	pos.Symbol = symbol
	realized := decimal.Zero

	switch {
	case deltaQty > 0:
		pos = AddShares(pos, deltaQty, price)
	case deltaQty < 0:
		qty := -deltaQty
		if pos.Quantity < qty {
			return decimal.Zero, fmt.Errorf("%w: %s need %d, have %d", model.ErrInsufficientShares, symbol, qty, pos.Quantity)
		}
		pos, realized = RemoveShares(pos, qty, price)
	default:
		return decimal.Zero, nil
	}

	if pos.Quantity == 0 {
		delete(s.Positions, symbol)
	} else {
		s.Positions[symbol] = pos
	}
	recompute(s)
	return realized, nil
}

// ApplyFill applies an execution to s: cash and position move together and
// a trade is appended. On error s is unchanged.
func ApplyFill(s *model.PortfolioSnapshot, f model.Fill) (model.Trade, error) {
	if f.Quantity <= 0 {
		return model.Trade{}, fmt.Errorf("fill %s: quantity must be positive", f.OrderID)
	}
	notional := f.Notional()
	trade := model.Trade{
		OrderID:    f.OrderID,
		Symbol:     f.Symbol,
		Action:     f.Action,
		Quantity:   f.Quantity,
		Price:      f.Price,
		ExecutedAt: f.At,
	}

	switch f.Action {
	case model.ActionBuy:
		if s.Cash.LessThan(notional) {
			return model.Trade{}, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientFunds, notional, s.Cash)
		}
		if _, err := Adjust(s, f.Symbol, f.Quantity, f.Price); err != nil {
			return model.Trade{}, err
		}
		s.Cash = s.Cash.Sub(notional)
	case model.ActionSell:
		realized, err := Adjust(s, f.Symbol, -f.Quantity, f.Price)
		if err != nil {
			return model.Trade{}, err
		}
		s.Cash = s.Cash.Add(notional)
		s.RealizedPnL = s.RealizedPnL.Add(realized)
		trade.RealizedPnL = realized
	default:
		return model.Trade{}, fmt.Errorf("fill %s: unknown action %q", f.OrderID, f.Action)
	}

	s.Trades = append(s.Trades, trade)
	s.UpdatedAt = f.At
	recompute(s)
	return trade, nil
}

// recompute refreshes TotalValue at cost basis.
func recompute(s *model.PortfolioSnapshot) {
	total := s.Cash
	for _, p := range s.Positions {
		total = total.Add(p.CostBasis())
	}
	s.TotalValue = total
}
