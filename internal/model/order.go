package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Opposite returns the closing side for a.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType determines how an approved order is triggered.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLimit:
		return true
	}
	return false
}

// RiskLevel is ordered LOW < MEDIUM < HIGH.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Rank returns the ordinal of r, or 0 for an unknown level.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// ParseRiskLevel accepts any casing of LOW, MEDIUM or HIGH.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}

// Order is a single trading intent and its lifecycle state.
// Prices are decimal to keep cash arithmetic exact.
type Order struct {
	ID       string    `json:"id"`
	Symbol   string    `json:"symbol"`
	Action   Action    `json:"action"`
	Quantity int64     `json:"quantity"`
	Type     OrderType `json:"order_type"`

	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	StopPrice       decimal.NullDecimal `json:"stop_price"`
	StopLossPrice   decimal.NullDecimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`

	// Confidence and Reasoning come from the recommender and are metadata only.
	Confidence float64   `json:"confidence"`
	Reasoning  []string  `json:"reasoning,omitempty"`
	RiskLevel  RiskLevel `json:"risk_level"`

	Status Status `json:"status"`
	Reason Reason `json:"reason,omitempty"`

	PortfolioID   string        `json:"portfolio_id,omitempty"`
	Rule          *StrategyRule `json:"rule,omitempty"` // snapshot taken at assignment
	ParentOrderID string        `json:"parent_order_id,omitempty"`
	ChildKind     ChildKind     `json:"child_kind,omitempty"`

	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExecutedAt     *time.Time          `json:"executed_at,omitempty"`
	ExecutionPrice decimal.NullDecimal `json:"execution_price"`

	History []Transition `json:"history,omitempty"`

	// Version is bumped by the store on every persisted write.
	Version int64 `json:"version"`
}

// Transition is one audited status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason Reason    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Transition moves o to status `to`, recording the change in History.
// It refuses moves that are not edges of the lifecycle graph.
func (o *Order) Transition(to Status, reason Reason, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, to, o.ID)
	}
	o.History = append(o.History, Transition{From: o.Status, To: to, Reason: reason, At: at})
	o.Status = to
	o.Reason = reason
	o.UpdatedAt = at
	return nil
}

// Expired reports whether the order's deadline has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Reasoning != nil {
		cp.Reasoning = append([]string(nil), o.Reasoning...)
	}
	if o.History != nil {
		cp.History = append([]Transition(nil), o.History...)
	}
	if o.Rule != nil {
		r := *o.Rule
		cp.Rule = &r
	}
	if o.ExecutedAt != nil {
		t := *o.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

// OrderSpec is the caller-supplied input to order intake.
type OrderSpec struct {
	Symbol          string              `json:"symbol"`
	Action          Action              `json:"action"`
	Quantity        int64               `json:"quantity"`
	Type            OrderType           `json:"order_type"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	StopPrice       decimal.NullDecimal `json:"stop_price"`
	StopLossPrice   decimal.NullDecimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`
	Confidence      float64             `json:"confidence"`
	Reasoning       []string            `json:"reasoning,omitempty"`
	RiskLevel       RiskLevel           `json:"risk_level"`
	ExpiresAt       *time.Time          `json:"expires_at,omitempty"` // nil = now + configured TTL
}

// ChildKind marks a protective order derived from an executed parent.
// Only the child-order generator sets it, together with ParentOrderID.
type ChildKind string

const (
	ChildStopLoss   ChildKind = "STOP_LOSS"
	ChildTakeProfit ChildKind = "TAKE_PROFIT"
)

// Price wraps d as a present optional price.
func Price(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// StrategyRule is the validation policy applied once at assignment.
type StrategyRule struct {
	// MaxPositionPercent caps the projected position notional as a
	// percentage (0-100] of total portfolio value.
	MaxPositionPercent decimal.Decimal `json:"max_position_percent"`
	RiskTolerance      RiskLevel       `json:"risk_tolerance"`
	AllowDayTrading    bool            `json:"allow_day_trading"`
}

// ExecutionResult describes one successful execution.
type ExecutionResult struct {
	Order    *Order   `json:"order"`
	Fill     Fill     `json:"fill"`
	Children []*Order `json:"children,omitempty"`
}
