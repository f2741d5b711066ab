package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/logger"
	"autotrade/internal/model"
	"autotrade/internal/portfolio"
)

// Validator binds PENDING orders to a portfolio under a strategy rule,
// exactly once.
type Validator struct {
	repo    model.Repository
	quotes  *Quoter
	checker *portfolio.Checker
	locks   *Locks
	sink    model.EventSink
	now     func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(repo model.Repository, quotes *Quoter, checker *portfolio.Checker, locks *Locks, sink model.EventSink, now func() time.Time) *Validator {
	if sink == nil {
		sink = model.NopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{repo: repo, quotes: quotes, checker: checker, locks: locks, sink: sink, now: now}
}

// Assign runs the assignment checks against a read-only snapshot of the
// portfolio and moves the order to APPROVED or REJECTED.
//
// A rejected order is returned together with a *model.RejectionError.
// A feed failure while pricing a BUY without a limit leaves the order
// PENDING and returns a *model.FeedError. Orders past their expiry are
// expired instead and reported with model.ErrAlreadyTerminal.
func (v *Validator) Assign(ctx context.Context, orderID, portfolioID string, rule model.StrategyRule) (*model.Order, error) {
	return v.assign(ctx, orderID, portfolioID, rule, false)
}

// AssignProtective assigns a derived child order. Protective orders close a
// position opened by their parent, so the day-trade rule does not apply.
func (v *Validator) AssignProtective(ctx context.Context, orderID, portfolioID string, rule model.StrategyRule) (*model.Order, error) {
	return v.assign(ctx, orderID, portfolioID, rule, true)
}

func (v *Validator) assign(ctx context.Context, orderID, portfolioID string, rule model.StrategyRule, protective bool) (*model.Order, error) {
	if portfolioID == "" {
		return nil, model.Invalid("portfolio_id", "must not be empty")
	}
	if !portfolio.ValidRule(rule) {
		return nil, model.Invalid("rule", "max_position_percent must be in (0, 100] and risk_tolerance a known level")
	}

	ctx = logger.WithTraceID(ctx, orderID)
	unlock, err := v.locks.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := v.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := v.now()

	switch {
	case o.Status.Terminal():
		return o, fmt.Errorf("%w: %s is %s", model.ErrAlreadyTerminal, o.ID, o.Status)
	case o.Status != model.StatusPending:
		return o, fmt.Errorf("%w: %s is already %s", model.ErrInvalidTransition, o.ID, o.Status)
	case o.Expired(now):
		if err := v.transition(ctx, o, model.StatusExpired, model.ReasonExpired, now); err != nil {
			return nil, err
		}
		return o, fmt.Errorf("%w: %s expired at %s", model.ErrAlreadyTerminal, o.ID, o.ExpiresAt.Format(time.RFC3339))
	}

	snap, err := v.repo.Snapshot(ctx, portfolioID)
	if err != nil {
		return o, err
	}

	// Only BUY sizing needs prices. A BUY that already fails the risk check
	// is rejected without consulting the feed.
	ref := o.LimitPrice.Decimal
	total := snap.Cash
	if o.Action == model.ActionBuy && !portfolio.RiskExceeded(o, rule) {
		if ref, err = v.referencePrice(ctx, o); err != nil {
			return o, err
		}
		total = portfolio.TotalValue(snap, portfolio.FetchMarks(ctx, v.quotes, snap))
	}

	reason := v.checker.Check(portfolio.Assessment{
		Order:        o,
		Rule:         rule,
		Snapshot:     snap,
		RefPrice:     ref,
		TotalValue:   total,
		Now:          now,
		SkipDayTrade: protective,
	})

	o.PortfolioID = portfolioID
	r := rule
	o.Rule = &r

	if reason != "" {
		if err := v.transition(ctx, o, model.StatusRejected, reason, now); err != nil {
			return nil, err
		}
		return o, &model.RejectionError{OrderID: o.ID, Reason: reason}
	}
	if err := v.transition(ctx, o, model.StatusApproved, model.ReasonApproved, now); err != nil {
		return nil, err
	}
	return o, nil
}

// referencePrice is the limit when present, otherwise a live quote.
func (v *Validator) referencePrice(ctx context.Context, o *model.Order) (decimal.Decimal, error) {
	if o.LimitPrice.Valid {
		return o.LimitPrice.Decimal, nil
	}
	snap, err := v.quotes.Quote(ctx, o.Symbol)
	if err != nil {
		slog.Warn("assignment deferred: no reference price",
			append(logger.LogWithTrace(ctx), "symbol", o.Symbol, "error", err)...)
		return decimal.Zero, err
	}
	return snap.Price, nil
}

func (v *Validator) transition(ctx context.Context, o *model.Order, to model.Status, reason model.Reason, now time.Time) error {
	return PersistTransition(ctx, v.repo, v.sink, o, to, reason, now)
}

// PersistTransition applies a transition, stores it and emits the event.
// The caller must hold the order lock.
func PersistTransition(ctx context.Context, store model.OrderStore, sink model.EventSink, o *model.Order, to model.Status, reason model.Reason, now time.Time) error {
	if err := o.Transition(to, reason, now); err != nil {
		return err
	}
	if err := store.UpdateOrder(ctx, o); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			slog.Warn("order changed underneath transition", append(logger.LogWithTrace(ctx), "order_id", o.ID, "error", err)...)
		}
		return err
	}
	slog.Info("order transition",
		"order_id", o.ID, "portfolio_id", o.PortfolioID, "symbol", o.Symbol,
		"status", string(o.Status), "reason", string(reason))
	sink.Emit(model.NewEvent(o))
	return nil
}
