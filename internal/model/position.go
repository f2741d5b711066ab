package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a long holding. Quantity is strictly positive while present.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// CostBasis returns Quantity × AverageCost.
func (p Position) CostBasis() decimal.Decimal {
	return p.AverageCost.Mul(decimal.NewFromInt(p.Quantity))
}

// Fill is the ledger mutation produced by one execution.
type Fill struct {
	OrderID     string          `json:"order_id"`
	PortfolioID string          `json:"portfolio_id"`
	Symbol      string          `json:"symbol"`
	Action      Action          `json:"action"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	At          time.Time       `json:"at"`
}

// Notional returns Quantity × Price.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// Trade is one entry of a portfolio's trade history.
type Trade struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Action      Action          `json:"action"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// PortfolioSnapshot is a point-in-time copy of one account's ledger.
type PortfolioSnapshot struct {
	ID          string              `json:"id"`
	Cash        decimal.Decimal     `json:"cash"`
	Positions   map[string]Position `json:"positions"`
	Trades      []Trade             `json:"trades,omitempty"`
	RealizedPnL decimal.Decimal     `json:"realized_pnl"`
	// TotalValue is cash plus positions at cost basis. Callers that have
	// market prices revalue through portfolio.TotalValue.
	TotalValue decimal.Decimal `json:"total_value"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Held returns the share count held for symbol.
func (s *PortfolioSnapshot) Held(symbol string) int64 {
	return s.Positions[symbol].Quantity
}

// Clone returns a deep copy.
func (s *PortfolioSnapshot) Clone() *PortfolioSnapshot {
	cp := *s
	cp.Positions = make(map[string]Position, len(s.Positions))
	for k, v := range s.Positions {
		cp.Positions[k] = v
	}
	if s.Trades != nil {
		cp.Trades = append([]Trade(nil), s.Trades...)
	}
	return &cp
}

// PriceSnapshot is the latest price for one symbol.
type PriceSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"ts"`
}

// Intent is a recommender's trade suggestion.
type Intent struct {
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Reasoning  []string  `json:"reasoning"`
}
