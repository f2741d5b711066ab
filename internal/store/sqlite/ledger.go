package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"autotrade/internal/model"
	"autotrade/internal/portfolio"
)

// CreatePortfolio inserts an empty, funded portfolio.
func (s *Store) CreatePortfolio(ctx context.Context, id string, cash decimal.Decimal) error {
	if cash.IsNegative() {
		return fmt.Errorf("sqlite: portfolio %s: initial cash must be non-negative", id)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM portfolios WHERE id = ?`, id).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", model.ErrPortfolioExists, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite create portfolio %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO portfolios (id, cash, realized_pnl, updated_at) VALUES (?, ?, ?, ?)`,
			id, cash, decimal.Zero, nanos(s.now()))
		if err != nil {
			return fmt.Errorf("sqlite create portfolio %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) DebitCash(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.mutate(ctx, id, func(p *model.PortfolioSnapshot) error {
		return portfolio.Debit(p, amount)
	})
}

func (s *Store) CreditCash(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.mutate(ctx, id, func(p *model.PortfolioSnapshot) error {
		return portfolio.Credit(p, amount)
	})
}

func (s *Store) AdjustPosition(ctx context.Context, id, symbol string, deltaQty int64, price decimal.Decimal) error {
	return s.mutate(ctx, id, func(p *model.PortfolioSnapshot) error {
		realized, err := portfolio.Adjust(p, symbol, deltaQty, price)
		if err != nil {
			return err
		}
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		return nil
	})
}

// Snapshot loads cash, positions and trade history.
func (s *Store) Snapshot(ctx context.Context, id string) (*model.PortfolioSnapshot, error) {
	return loadSnapshot(ctx, s.db, id)
}

// mutate loads the ledger inside a transaction, applies fn to a copy, and
// writes back only what changed.
func (s *Store) mutate(ctx context.Context, id string, fn func(*model.PortfolioSnapshot) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		before, err := loadSnapshot(ctx, tx, id)
		if err != nil {
			return err
		}
		after := before.Clone()
		if err := fn(after); err != nil {
			return err
		}
		after.UpdatedAt = s.now()
		return saveSnapshot(ctx, tx, before, after)
	})
}

func applyFill(ctx context.Context, q querier, fill model.Fill) error {
	before, err := loadSnapshot(ctx, q, fill.PortfolioID)
	if err != nil {
		return err
	}
	after := before.Clone()
	if _, err := portfolio.ApplyFill(after, fill); err != nil {
		return err
	}
	return saveSnapshot(ctx, q, before, after)
}

func loadSnapshot(ctx context.Context, q querier, id string) (*model.PortfolioSnapshot, error) {
	snap := &model.PortfolioSnapshot{ID: id, Positions: make(map[string]model.Position)}
	var updated int64
	err := q.QueryRowContext(ctx,
		`SELECT cash, realized_pnl, updated_at FROM portfolios WHERE id = ?`, id,
	).Scan(&snap.Cash, &snap.RealizedPnL, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPortfolioNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite load portfolio %s: %w", id, err)
	}
	snap.UpdatedAt = fromNanos(updated)

	rows, err := q.QueryContext(ctx,
		`SELECT symbol, quantity, average_cost FROM positions WHERE portfolio_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite load positions %s: %w", id, err)
	}
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AverageCost); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Positions[p.Symbol] = p
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx,
		`SELECT order_id, symbol, action, quantity, price, realized_pnl, executed_at
		 FROM trades WHERE portfolio_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite load trades %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t model.Trade
		var action string
		var at int64
		if err := rows.Scan(&t.OrderID, &t.Symbol, &action, &t.Quantity, &t.Price, &t.RealizedPnL, &at); err != nil {
			return nil, err
		}
		t.Action = model.Action(action)
		t.ExecutedAt = fromNanos(at)
		snap.Trades = append(snap.Trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap.TotalValue = portfolio.TotalValue(snap, nil)
	return snap, nil
}

func saveSnapshot(ctx context.Context, q querier, before, after *model.PortfolioSnapshot) error {
	_, err := q.ExecContext(ctx,
		`UPDATE portfolios SET cash = ?, realized_pnl = ?, updated_at = ? WHERE id = ?`,
		after.Cash, after.RealizedPnL, nanos(after.UpdatedAt), after.ID)
	if err != nil {
		return fmt.Errorf("sqlite save portfolio %s: %w", after.ID, err)
	}

	for sym, p := range after.Positions {
		if old, ok := before.Positions[sym]; ok && old.Quantity == p.Quantity && old.AverageCost.Equal(p.AverageCost) {
			continue
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO positions (portfolio_id, symbol, quantity, average_cost) VALUES (?, ?, ?, ?)
			 ON CONFLICT (portfolio_id, symbol) DO UPDATE SET quantity = excluded.quantity, average_cost = excluded.average_cost`,
			after.ID, sym, p.Quantity, p.AverageCost)
		if err != nil {
			return fmt.Errorf("sqlite save position %s/%s: %w", after.ID, sym, err)
		}
	}
	for sym := range before.Positions {
		if _, ok := after.Positions[sym]; ok {
			continue
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM positions WHERE portfolio_id = ? AND symbol = ?`, after.ID, sym); err != nil {
			return fmt.Errorf("sqlite delete position %s/%s: %w", after.ID, sym, err)
		}
	}

	for _, t := range after.Trades[len(before.Trades):] {
		_, err := q.ExecContext(ctx,
			`INSERT INTO trades (portfolio_id, order_id, symbol, action, quantity, price, realized_pnl, executed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			after.ID, t.OrderID, t.Symbol, string(t.Action), t.Quantity, t.Price, t.RealizedPnL, nanos(t.ExecutedAt))
		if err != nil {
			return fmt.Errorf("sqlite insert trade %s: %w", t.OrderID, err)
		}
	}
	return nil
}
