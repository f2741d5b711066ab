// Package orders owns every order transition outside of execution: intake,
// one-shot assignment to a portfolio, cancellation, expiry and the
// derivation of protective child orders.
//
// Each transition re-reads the order under its per-order lock, so whichever
// caller acquires the lock first wins and later callers observe the result.
package orders

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"autotrade/internal/model"
)

// DefaultTTL is the order lifetime used when a spec carries no expiry.
const DefaultTTL = 24 * time.Hour

// Intake validates order specs and persists new PENDING orders.
type Intake struct {
	store model.OrderStore
	sink  model.EventSink
	ttl   time.Duration
	now   func() time.Time
}

// NewIntake creates an Intake. ttl <= 0 uses DefaultTTL; nil sink discards events.
func NewIntake(store model.OrderStore, sink model.EventSink, ttl time.Duration, now func() time.Time) *Intake {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sink == nil {
		sink = model.NopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &Intake{store: store, sink: sink, ttl: ttl, now: now}
}

// Create validates spec and persists it as a PENDING, unassigned order.
// Structural problems return *model.ValidationError and nothing is stored.
func (in *Intake) Create(ctx context.Context, spec model.OrderSpec) (*model.Order, error) {
	return in.create(ctx, spec, "", "")
}

// createChild persists a protective order linked to its parent.
func (in *Intake) createChild(ctx context.Context, spec model.OrderSpec, parentID string, kind model.ChildKind) (*model.Order, error) {
	return in.create(ctx, spec, parentID, kind)
}

func (in *Intake) create(ctx context.Context, spec model.OrderSpec, parentID string, kind model.ChildKind) (*model.Order, error) {
	now := in.now()
	spec.Symbol = strings.ToUpper(strings.TrimSpace(spec.Symbol))

	expiresAt := now.Add(in.ttl)
	if spec.ExpiresAt != nil {
		expiresAt = *spec.ExpiresAt
	}
	if err := Validate(spec, expiresAt, now); err != nil {
		return nil, err
	}

	o := &model.Order{
		ID:              uuid.NewString(),
		Symbol:          spec.Symbol,
		Action:          spec.Action,
		Quantity:        spec.Quantity,
		Type:            spec.Type,
		LimitPrice:      spec.LimitPrice,
		StopPrice:       spec.StopPrice,
		StopLossPrice:   spec.StopLossPrice,
		TakeProfitPrice: spec.TakeProfitPrice,
		Confidence:      spec.Confidence,
		Reasoning:       append([]string(nil), spec.Reasoning...),
		RiskLevel:       spec.RiskLevel,
		Status:          model.StatusPending,
		ParentOrderID:   parentID,
		ChildKind:       kind,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
		UpdatedAt:       now,
	}
	if err := in.store.InsertOrder(ctx, o); err != nil {
		return nil, err
	}

	slog.Info("order created",
		"order_id", o.ID, "symbol", o.Symbol, "action", string(o.Action),
		"type", string(o.Type), "quantity", o.Quantity, "parent_order_id", o.ParentOrderID, "child_kind", string(o.ChildKind))
	in.sink.Emit(model.NewEvent(o))
	return o.Clone(), nil
}

// Validate checks the structural constraints of an order spec.
func Validate(spec model.OrderSpec, expiresAt, now time.Time) error {
	if spec.Symbol == "" {
		return model.Invalid("symbol", "must not be empty")
	}
	if !spec.Action.Valid() {
		return model.Invalid("action", "must be BUY or SELL, got %q", spec.Action)
	}
	if !spec.Type.Valid() {
		return model.Invalid("order_type", "must be MARKET, LIMIT or STOP_LIMIT, got %q", spec.Type)
	}
	if spec.Quantity <= 0 {
		return model.Invalid("quantity", "must be positive, got %d", spec.Quantity)
	}
	if (spec.Type == model.OrderTypeLimit || spec.Type == model.OrderTypeStopLimit) && !spec.LimitPrice.Valid {
		return model.Invalid("limit_price", "required for %s orders", spec.Type)
	}
	if spec.Type == model.OrderTypeStopLimit && !spec.StopPrice.Valid {
		return model.Invalid("stop_price", "required for STOP_LIMIT orders")
	}
	prices := []struct {
		field string
		valid bool
		pos   bool
	}{
		{"limit_price", spec.LimitPrice.Valid, spec.LimitPrice.Decimal.IsPositive()},
		{"stop_price", spec.StopPrice.Valid, spec.StopPrice.Decimal.IsPositive()},
		{"stop_loss_price", spec.StopLossPrice.Valid, spec.StopLossPrice.Decimal.IsPositive()},
		{"take_profit_price", spec.TakeProfitPrice.Valid, spec.TakeProfitPrice.Decimal.IsPositive()},
	}
	for _, p := range prices {
		if p.valid && !p.pos {
			return model.Invalid(p.field, "must be positive")
		}
	}
	if spec.Confidence < 0 || spec.Confidence > 1 {
		return model.Invalid("confidence", "must be within [0, 1], got %g", spec.Confidence)
	}
	if !spec.RiskLevel.Valid() {
		return model.Invalid("risk_level", "must be LOW, MEDIUM or HIGH, got %q", spec.RiskLevel)
	}
	if !expiresAt.After(now) {
		return model.Invalid("expires_at", "must be in the future")
	}
	return nil
}
