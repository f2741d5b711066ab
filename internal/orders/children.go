package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"autotrade/internal/model"
)

// ChildGenerator derives protective stop-loss and take-profit orders from
// an executed parent.
type ChildGenerator struct {
	store      model.OrderStore
	intake     *Intake
	validator  *Validator
	childType  model.OrderType
	autoAssign bool
}

// NewChildGenerator creates a ChildGenerator. childType is the order type
// used for stop-loss children (STOP_LIMIT or LIMIT). With autoAssign the
// children are assigned to the parent's portfolio under the parent's rule.
func NewChildGenerator(store model.OrderStore, intake *Intake, validator *Validator, childType model.OrderType, autoAssign bool) *ChildGenerator {
	if childType != model.OrderTypeLimit {
		childType = model.OrderTypeStopLimit
	}
	return &ChildGenerator{
		store:      store,
		intake:     intake,
		validator:  validator,
		childType:  childType,
		autoAssign: autoAssign,
	}
}

type childPlan struct {
	kind model.ChildKind
	spec model.OrderSpec
}

// DeriveChildren creates at most one stop-loss and one take-profit child
// for an EXECUTED order. Children never derive children of their own, and a
// kind the parent already has is returned instead of created again.
func (g *ChildGenerator) DeriveChildren(ctx context.Context, parent *model.Order) ([]*model.Order, error) {
	if parent.Status != model.StatusExecuted {
		return nil, fmt.Errorf("%w: children derive only from EXECUTED orders, %s is %s",
			model.ErrInvalidTransition, parent.ID, parent.Status)
	}
	if parent.ParentOrderID != "" {
		return nil, nil
	}
	existing, err := g.store.ListChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[model.ChildKind]*model.Order, len(existing))
	for _, c := range existing {
		if c.ChildKind != "" {
			have[c.ChildKind] = c
		}
	}

	var plans []childPlan
	if parent.StopLossPrice.Valid {
		plans = append(plans, childPlan{model.ChildStopLoss, g.stopLossSpec(parent, parent.StopLossPrice.Decimal)})
	}
	if parent.TakeProfitPrice.Valid {
		plans = append(plans, childPlan{model.ChildTakeProfit, takeProfitSpec(parent, parent.TakeProfitPrice.Decimal)})
	}

	children := make([]*model.Order, 0, len(plans))
	for _, plan := range plans {
		if c, ok := have[plan.kind]; ok {
			children = append(children, c)
			continue
		}
		child, err := g.intake.createChild(ctx, plan.spec, parent.ID, plan.kind)
		if err != nil {
			return children, fmt.Errorf("derive child of %s: %w", parent.ID, err)
		}
		if g.autoAssign && parent.PortfolioID != "" && parent.Rule != nil {
			assigned, err := g.validator.AssignProtective(ctx, child.ID, parent.PortfolioID, *parent.Rule)
			var rej *model.RejectionError
			switch {
			case errors.As(err, &rej):
				slog.Warn("protective order rejected", "order_id", child.ID, "parent_order_id", parent.ID, "reason", string(rej.Reason))
			case err != nil:
				slog.Warn("protective order left pending", "order_id", child.ID, "parent_order_id", parent.ID, "error", err)
			}
			if assigned != nil {
				child = assigned
			}
		}
		children = append(children, child)
	}
	return children, nil
}

func (g *ChildGenerator) stopLossSpec(parent *model.Order, price decimal.Decimal) model.OrderSpec {
	spec := childSpec(parent, g.childType, "stop-loss")
	spec.LimitPrice = model.Price(price)
	if g.childType == model.OrderTypeStopLimit {
		spec.StopPrice = model.Price(price)
	}
	return spec
}

func takeProfitSpec(parent *model.Order, price decimal.Decimal) model.OrderSpec {
	spec := childSpec(parent, model.OrderTypeLimit, "take-profit")
	spec.LimitPrice = model.Price(price)
	return spec
}

func childSpec(parent *model.Order, t model.OrderType, kind string) model.OrderSpec {
	return model.OrderSpec{
		Symbol:     parent.Symbol,
		Action:     parent.Action.Opposite(),
		Quantity:   parent.Quantity,
		Type:       t,
		Confidence: parent.Confidence,
		Reasoning:  []string{fmt.Sprintf("%s for order %s", kind, parent.ID)},
		RiskLevel:  parent.RiskLevel,
	}
}
