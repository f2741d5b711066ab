package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"autotrade/internal/model"
)

const orderColumns = `id, symbol, action, quantity, order_type,
	limit_price, stop_price, stop_loss_price, take_profit_price,
	confidence, reasoning, risk_level, status, reason,
	portfolio_id, rule, parent_order_id, child_kind,
	created_at, expires_at, updated_at, executed_at, execution_price, version`

// InsertOrder persists a new order at version 1.
func (s *Store) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		reasoning, rule, err := encodeMeta(o)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.Symbol, string(o.Action), o.Quantity, string(o.Type),
			o.LimitPrice, o.StopPrice, o.StopLossPrice, o.TakeProfitPrice,
			o.Confidence, reasoning, string(o.RiskLevel), string(o.Status), string(o.Reason),
			o.PortfolioID, rule, o.ParentOrderID, string(o.ChildKind),
			nanos(o.CreatedAt), nanos(o.ExpiresAt), nanos(o.UpdatedAt), executedAt(o), o.ExecutionPrice, 1,
		)
		if err != nil {
			return fmt.Errorf("sqlite insert order %s: %w", o.ID, err)
		}
		if err := appendHistory(ctx, tx, o.ID, o.History); err != nil {
			return err
		}
		o.Version = 1
		return nil
	})
}

// GetOrder loads one order with its full history.
func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get order %s: %w", id, err)
	}
	if o.History, err = loadHistory(ctx, s.db, id); err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateOrder writes the row and any transitions not yet recorded, guarded
// by the optimistic version.
func (s *Store) UpdateOrder(ctx context.Context, o *model.Order) error {
	version := o.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error { return updateOrder(ctx, tx, o) })
	if err != nil {
		o.Version = version
	}
	return err
}

func updateOrder(ctx context.Context, q querier, o *model.Order) error {
	reasoning, rule, err := encodeMeta(o)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE orders SET
			status = ?, reason = ?, portfolio_id = ?, rule = ?,
			updated_at = ?, executed_at = ?, execution_price = ?,
			reasoning = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(o.Status), string(o.Reason), o.PortfolioID, rule,
		nanos(o.UpdatedAt), executedAt(o), o.ExecutionPrice,
		reasoning, o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite update order %s: %w", o.ID, err)
	}
	if n == 0 {
		var stored int64
		err := q.QueryRowContext(ctx, `SELECT version FROM orders WHERE id = ?`, o.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", model.ErrNotFound, o.ID)
		}
		if err != nil {
			return fmt.Errorf("sqlite update order %s: %w", o.ID, err)
		}
		return fmt.Errorf("%w: %s has version %d, update carries %d", model.ErrVersionConflict, o.ID, stored, o.Version)
	}

	var recorded int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_events WHERE order_id = ?`, o.ID).Scan(&recorded); err != nil {
		return fmt.Errorf("sqlite count events %s: %w", o.ID, err)
	}
	if recorded < len(o.History) {
		if err := appendHistory(ctx, q, o.ID, o.History[recorded:]); err != nil {
			return err
		}
	}
	o.Version++
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	return s.listOrders(ctx, `status IN (`+placeholders+`)`, args...)
}

func (s *Store) ListByPortfolio(ctx context.Context, portfolioID string) ([]*model.Order, error) {
	return s.listOrders(ctx, `portfolio_id = ?`, portfolioID)
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*model.Order, error) {
	return s.listOrders(ctx, `parent_order_id = ?`, parentID)
}

func (s *Store) listOrders(ctx context.Context, where string, args ...any) ([]*model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite list orders: %w", err)
	}
	var out []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan order: %w", err)
		}
		out = append(out, o)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Rows must be closed before issuing more queries on the single connection.
	for _, o := range out {
		if o.History, err = loadHistory(ctx, s.db, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*model.Order, error) {
	var (
		o                                   model.Order
		action, otype, risk, status, reason string
		kind                                string
		reasoning                           string
		rule                                sql.NullString
		created, expires, updated           int64
		executed                            sql.NullInt64
	)
	err := sc.Scan(
		&o.ID, &o.Symbol, &action, &o.Quantity, &otype,
		&o.LimitPrice, &o.StopPrice, &o.StopLossPrice, &o.TakeProfitPrice,
		&o.Confidence, &reasoning, &risk, &status, &reason,
		&o.PortfolioID, &rule, &o.ParentOrderID, &kind,
		&created, &expires, &updated, &executed, &o.ExecutionPrice, &o.Version,
	)
	if err != nil {
		return nil, err
	}
	o.Action = model.Action(action)
	o.Type = model.OrderType(otype)
	o.RiskLevel = model.RiskLevel(risk)
	o.Status = model.Status(status)
	o.Reason = model.Reason(reason)
	o.ChildKind = model.ChildKind(kind)
	o.CreatedAt = fromNanos(created)
	o.ExpiresAt = fromNanos(expires)
	o.UpdatedAt = fromNanos(updated)
	if executed.Valid {
		t := fromNanos(executed.Int64)
		o.ExecutedAt = &t
	}
	if reasoning != "" && reasoning != "null" {
		if err := json.Unmarshal([]byte(reasoning), &o.Reasoning); err != nil {
			return nil, fmt.Errorf("decode reasoning: %w", err)
		}
	}
	if rule.Valid && rule.String != "" {
		o.Rule = &model.StrategyRule{}
		if err := json.Unmarshal([]byte(rule.String), o.Rule); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
	}
	return &o, nil
}

func encodeMeta(o *model.Order) (reasoning string, rule sql.NullString, err error) {
	b, err := json.Marshal(o.Reasoning)
	if err != nil {
		return "", rule, fmt.Errorf("encode reasoning: %w", err)
	}
	reasoning = string(b)
	if o.Rule != nil {
		rb, err := json.Marshal(o.Rule)
		if err != nil {
			return "", rule, fmt.Errorf("encode rule: %w", err)
		}
		rule = sql.NullString{String: string(rb), Valid: true}
	}
	return reasoning, rule, nil
}

func executedAt(o *model.Order) sql.NullInt64 {
	if o.ExecutedAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*o.ExecutedAt), Valid: true}
}

func appendHistory(ctx context.Context, q querier, orderID string, hist []model.Transition) error {
	for _, h := range hist {
		_, err := q.ExecContext(ctx,
			`INSERT INTO order_events (order_id, from_status, to_status, reason, at) VALUES (?, ?, ?, ?, ?)`,
			orderID, string(h.From), string(h.To), string(h.Reason), nanos(h.At))
		if err != nil {
			return fmt.Errorf("sqlite insert event %s: %w", orderID, err)
		}
	}
	return nil
}

func loadHistory(ctx context.Context, q querier, orderID string) ([]model.Transition, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT from_status, to_status, reason, at FROM order_events WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite load history %s: %w", orderID, err)
	}
	defer rows.Close()

	var hist []model.Transition
	for rows.Next() {
		var from, to, reason string
		var at int64
		if err := rows.Scan(&from, &to, &reason, &at); err != nil {
			return nil, err
		}
		hist = append(hist, model.Transition{
			From: model.Status(from), To: model.Status(to), Reason: model.Reason(reason), At: fromNanos(at),
		})
	}
	return hist, rows.Err()
}
