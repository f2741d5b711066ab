// Package recommender turns trade suggestions into order specs.
//
// A Recommender proposes an action for a symbol together with a confidence
// score, a risk level and free-text reasoning. The engine stores confidence
// and reasoning on the order as metadata and never gates on them.
package recommender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/model"
)

// ErrNoSignal means the recommender has no actionable view on the symbol.
var ErrNoSignal = errors.New("recommender: no signal")

// Recommender produces a trade intent for one symbol.
type Recommender interface {
	ProduceIntent(ctx context.Context, symbol string) (model.Intent, error)
}

// Func adapts a plain function to Recommender.
type Func func(ctx context.Context, symbol string) (model.Intent, error)

func (f Func) ProduceIntent(ctx context.Context, symbol string) (model.Intent, error) {
	return f(ctx, symbol)
}

// Request carries the sizing and pricing a caller attaches to a
// recommendation. The recommender decides the side.
type Request struct {
	Symbol          string              `json:"symbol"`
	Quantity        int64               `json:"quantity"`
	Type            model.OrderType     `json:"order_type"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	StopPrice       decimal.NullDecimal `json:"stop_price"`
	StopLossPrice   decimal.NullDecimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`
	ExpiresAt       *time.Time          `json:"expires_at,omitempty"`
}

// ToSpec combines an intent with the caller's request into an order spec.
// A missing order type means MARKET.
func ToSpec(in model.Intent, req Request) (model.OrderSpec, error) {
	action := model.Action(strings.ToUpper(string(in.Action)))
	if !action.Valid() {
		return model.OrderSpec{}, fmt.Errorf("%w: action %q for %s", ErrNoSignal, in.Action, req.Symbol)
	}
	typ := req.Type
	if typ == "" {
		typ = model.OrderTypeMarket
	}
	risk := in.RiskLevel
	if r, err := model.ParseRiskLevel(string(risk)); err == nil {
		risk = r
	}
	return model.OrderSpec{
		Symbol:          req.Symbol,
		Action:          action,
		Quantity:        req.Quantity,
		Type:            typ,
		LimitPrice:      req.LimitPrice,
		StopPrice:       req.StopPrice,
		StopLossPrice:   req.StopLossPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		Confidence:      in.Confidence,
		Reasoning:       append([]string(nil), in.Reasoning...),
		RiskLevel:       risk,
		ExpiresAt:       req.ExpiresAt,
	}, nil
}
