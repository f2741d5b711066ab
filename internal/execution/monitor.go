// Package execution evaluates APPROVED orders against market prices and
// executes the ones whose trigger condition holds.
//
// Execution is the single point where an order and its portfolio ledger
// change together. The order lock is taken first, then the portfolio lock,
// and the ledger and order are committed in one store call.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"autotrade/internal/logger"
	"autotrade/internal/markethours"
	"autotrade/internal/model"
	"autotrade/internal/orders"
	"autotrade/internal/portfolio"
)

// Config tunes a Monitor.
type Config struct {
	// OCO cancels the live sibling of a protective child when it executes.
	OCO bool
	// RequireMarketOpen skips trigger evaluation outside the trading session.
	RequireMarketOpen bool
}

// Monitor runs the execution step for APPROVED orders.
type Monitor struct {
	repo      model.Repository
	quotes    *orders.Quoter
	locks     *orders.Locks
	children  *orders.ChildGenerator
	canceller *orders.Canceller
	calendar  *markethours.Calendar
	sink      model.EventSink
	cfg       Config
	now       func() time.Time

	// OnFeedError, if set, is called whenever a quote is unavailable.
	OnFeedError func(symbol string, err error)
}

// NewMonitor creates a Monitor. children and canceller may be nil, which
// disables child derivation and OCO handling respectively.
func NewMonitor(
	repo model.Repository,
	quotes *orders.Quoter,
	locks *orders.Locks,
	children *orders.ChildGenerator,
	canceller *orders.Canceller,
	calendar *markethours.Calendar,
	sink model.EventSink,
	cfg Config,
	now func() time.Time,
) *Monitor {
	if sink == nil {
		sink = model.NopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		repo:      repo,
		quotes:    quotes,
		locks:     locks,
		children:  children,
		canceller: canceller,
		calendar:  calendar,
		sink:      sink,
		cfg:       cfg,
		now:       now,
	}
}

// Evaluate fetches a quote for the order's symbol and runs
// EvaluateAndExecute. The quote is taken outside any lock. Feed failures
// are reported to OnFeedError and absorbed: the order stays APPROVED and
// is retried on a later call.
func (m *Monitor) Evaluate(ctx context.Context, orderID string) (*model.ExecutionResult, error) {
	o, err := m.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.StatusApproved {
		return nil, nil
	}
	if !m.marketOpen(m.now()) && !o.Expired(m.now()) {
		return nil, nil
	}

	snap, err := m.quotes.Quote(ctx, o.Symbol)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("evaluation skipped: no quote", "order_id", o.ID, "symbol", o.Symbol, "error", err)
		if m.OnFeedError != nil {
			m.OnFeedError(o.Symbol, err)
		}
		if !o.Expired(m.now()) {
			return nil, nil
		}
	}
	return m.EvaluateAndExecute(ctx, o, snap)
}

// EvaluateAndExecute re-reads o under its lock and executes it when the
// trigger condition holds at snap. It returns a nil result when nothing
// executed. An order past its expiry is expired instead, whatever the price.
//
// If the portfolio can no longer cover the trade at the fill price the
// order is REJECTED with a stale reason and a *model.RejectionError is
// returned.
func (m *Monitor) EvaluateAndExecute(ctx context.Context, o *model.Order, snap model.PriceSnapshot) (*model.ExecutionResult, error) {
	ctx = logger.WithTraceID(ctx, o.ID)

	// Siblings of one parent are serialized so at most one of them fills.
	if m.cfg.OCO && m.canceller != nil && o.ParentOrderID != "" {
		unlockGroup, err := m.locks.Group(ctx, o.ParentOrderID)
		if err != nil {
			return nil, err
		}
		defer unlockGroup()
	}

	executed, fill, err := m.execute(ctx, o.ID, snap)
	if err != nil || executed == nil {
		return nil, err
	}

	result := &model.ExecutionResult{Order: executed, Fill: fill}

	if m.cfg.OCO && m.canceller != nil && executed.ParentOrderID != "" {
		cancelled, err := m.canceller.CancelSiblings(ctx, executed)
		if err != nil {
			slog.Warn("oco: cancel siblings failed", append(logger.LogWithTrace(ctx), "parent_order_id", executed.ParentOrderID, "error", err)...)
		}
		for _, c := range cancelled {
			slog.Info("oco: sibling cancelled", "order_id", c.ID, "executed_order_id", executed.ID)
		}
	}

	if m.children != nil && executed.ParentOrderID == "" {
		kids, err := m.children.DeriveChildren(ctx, executed)
		if err != nil {
			slog.Error("derive children failed", append(logger.LogWithTrace(ctx), "error", err)...)
		}
		result.Children = kids
	}
	return result, nil
}

// execute holds the order lock for the whole decision and the portfolio
// lock for the ledger commit.
func (m *Monitor) execute(ctx context.Context, orderID string, snap model.PriceSnapshot) (*model.Order, model.Fill, error) {
	unlock, err := m.locks.Order(ctx, orderID)
	if err != nil {
		return nil, model.Fill{}, err
	}
	defer unlock()

	o, err := m.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, model.Fill{}, err
	}
	if o.Status != model.StatusApproved {
		return nil, model.Fill{}, nil
	}

	now := m.now()
	if o.Expired(now) {
		err := orders.PersistTransition(ctx, m.repo, m.sink, o, model.StatusExpired, model.ReasonExpired, now)
		return nil, model.Fill{}, err
	}
	if !m.marketOpen(now) {
		return nil, model.Fill{}, nil
	}
	if snap.Symbol != "" && snap.Symbol != o.Symbol {
		return nil, model.Fill{}, fmt.Errorf("snapshot for %s applied to order %s on %s", snap.Symbol, o.ID, o.Symbol)
	}

	price, ok := Trigger(o, snap.Price)
	if !ok {
		return nil, model.Fill{}, nil
	}

	unlockPf, err := m.locks.Portfolio(ctx, o.PortfolioID)
	if err != nil {
		return nil, model.Fill{}, err
	}
	defer unlockPf()

	pf, err := m.repo.Snapshot(ctx, o.PortfolioID)
	if err != nil {
		return nil, model.Fill{}, err
	}
	// Funds are re-verified at the current market price, which for a
	// STOP_LIMIT BUY can sit above the capped fill price.
	if reason := portfolio.StaleSufficiency(o, pf, snap.Price); reason != "" {
		if err := orders.PersistTransition(ctx, m.repo, m.sink, o, model.StatusRejected, reason, now); err != nil {
			return nil, model.Fill{}, err
		}
		return nil, model.Fill{}, &model.RejectionError{OrderID: o.ID, Reason: reason}
	}

	if err := o.Transition(model.StatusExecuted, model.ReasonTriggered, now); err != nil {
		return nil, model.Fill{}, err
	}
	executedAt := now
	o.ExecutedAt = &executedAt
	o.ExecutionPrice = model.Price(price)

	fill := model.Fill{
		OrderID:     o.ID,
		PortfolioID: o.PortfolioID,
		Symbol:      o.Symbol,
		Action:      o.Action,
		Quantity:    o.Quantity,
		Price:       price,
		At:          now,
	}
	if err := m.repo.CommitExecution(ctx, o, fill); err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) || errors.Is(err, model.ErrInsufficientShares) {
			slog.Error("ledger refused fill after sufficiency check", append(logger.LogWithTrace(ctx), "error", err)...)
		}
		return nil, model.Fill{}, fmt.Errorf("commit execution of %s: %w", o.ID, err)
	}

	slog.Info("order executed",
		"order_id", o.ID, "portfolio_id", o.PortfolioID, "symbol", o.Symbol,
		"action", string(o.Action), "quantity", o.Quantity, "price", price.String(),
		"market", snap.Price.String())
	m.sink.Emit(model.NewEvent(o))
	return o, fill, nil
}

func (m *Monitor) marketOpen(now time.Time) bool {
	if !m.cfg.RequireMarketOpen || m.calendar == nil {
		return true
	}
	return m.calendar.IsOpen(now)
}
