// Package engine assembles the order lifecycle components behind one facade
// and owns the scheduler that drives execution and expiry.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"autotrade/internal/execution"
	"autotrade/internal/model"
	"autotrade/internal/orders"
	"autotrade/internal/portfolio"
	"autotrade/internal/recommender"
)

// Engine is the caller-facing surface of the order lifecycle.
type Engine struct {
	repo  model.Repository
	opts  Options
	locks *orders.Locks

	quotes    *orders.Quoter
	intake    *orders.Intake
	validator *orders.Validator
	canceller *orders.Canceller
	sweeper   *orders.Sweeper
	children  *orders.ChildGenerator
	monitor   *execution.Monitor
	scheduler *Scheduler

	recommender recommender.Recommender
}

// New wires an Engine over repo and feed. sink receives every lifecycle
// event; nil discards them.
func New(repo model.Repository, feed model.PriceFeed, sink model.EventSink, opts Options) *Engine {
	opts = opts.withDefaults()
	if sink == nil {
		sink = model.NopSink{}
	}

	e := &Engine{repo: repo, opts: opts, locks: orders.NewLocks()}
	e.quotes = &orders.Quoter{
		Feed:       feed,
		Timeout:    opts.FeedTimeout,
		StaleAfter: opts.PriceStaleAfter,
		Now:        opts.Now,
	}
	checker := portfolio.NewChecker(opts.Calendar)

	e.intake = orders.NewIntake(repo, sink, opts.OrderTTL, opts.Now)
	e.validator = orders.NewValidator(repo, e.quotes, checker, e.locks, sink, opts.Now)
	e.canceller = orders.NewCanceller(repo, e.locks, sink, opts.Now)
	e.sweeper = orders.NewSweeper(repo, e.locks, sink)
	e.children = orders.NewChildGenerator(repo, e.intake, e.validator, opts.ChildOrderType, opts.AutoAssignChildren)
	e.monitor = execution.NewMonitor(repo, e.quotes, e.locks, e.children, e.canceller, opts.Calendar, sink,
		execution.Config{OCO: opts.OCOChildren, RequireMarketOpen: opts.RequireMarketOpen}, opts.Now)
	e.scheduler = NewScheduler(repo, e.sweeper, e.monitor, opts.TickInterval, opts.EvalConcurrency, opts.Now)
	return e
}

// SetRecommender enables CreateFromRecommendation.
func (e *Engine) SetRecommender(r recommender.Recommender) { e.recommender = r }

// Scheduler returns the engine's scheduler. It is not started by New.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Monitor returns the execution monitor.
func (e *Engine) Monitor() *execution.Monitor { return e.monitor }

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// ── Orders ──

// CreateOrder validates spec and stores it as a PENDING order.
func (e *Engine) CreateOrder(ctx context.Context, spec model.OrderSpec) (*model.Order, error) {
	return e.intake.Create(ctx, spec)
}

// AssignOrder binds a PENDING order to a portfolio under rule.
func (e *Engine) AssignOrder(ctx context.Context, orderID, portfolioID string, rule model.StrategyRule) (*model.Order, error) {
	return e.validator.Assign(ctx, orderID, portfolioID, rule)
}

// CancelOrder cancels a live order. An order that already reached a
// terminal state is returned as-is with model.ErrAlreadyTerminal.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return e.canceller.Cancel(ctx, orderID, model.ReasonCancelledByUser)
}

// GetOrder returns one order with its history.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return e.repo.GetOrder(ctx, orderID)
}

// OrdersByPortfolio lists the orders assigned to a portfolio.
func (e *Engine) OrdersByPortfolio(ctx context.Context, portfolioID string) ([]*model.Order, error) {
	return e.repo.ListByPortfolio(ctx, portfolioID)
}

// OrdersByStatus lists orders in the given statuses.
func (e *Engine) OrdersByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Order, error) {
	return e.repo.ListByStatus(ctx, statuses...)
}

// ForceSweep runs one scheduler pass immediately.
func (e *Engine) ForceSweep(ctx context.Context) TickReport {
	return e.scheduler.Tick(ctx)
}

// CreateFromRecommendation asks the recommender for an intent on
// req.Symbol and creates a PENDING order from it.
func (e *Engine) CreateFromRecommendation(ctx context.Context, req recommender.Request) (*model.Order, model.Intent, error) {
	if e.recommender == nil {
		return nil, model.Intent{}, fmt.Errorf("%w: no recommender configured", recommender.ErrNoSignal)
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return nil, model.Intent{}, model.Invalid("symbol", "must not be empty")
	}
	intent, err := e.recommender.ProduceIntent(ctx, req.Symbol)
	if err != nil {
		return nil, model.Intent{}, err
	}
	spec, err := recommender.ToSpec(intent, req)
	if err != nil {
		return nil, intent, err
	}
	o, err := e.intake.Create(ctx, spec)
	if err != nil {
		return nil, intent, err
	}
	slog.Info("order created from recommendation", "order_id", o.ID, "symbol", o.Symbol,
		"action", string(o.Action), "confidence", intent.Confidence)
	return o, intent, nil
}

// ── Portfolios ──

// CreatePortfolio opens a portfolio with opening cash.
func (e *Engine) CreatePortfolio(ctx context.Context, id string, cash decimal.Decimal) (*model.PortfolioSnapshot, error) {
	if strings.TrimSpace(id) == "" {
		return nil, model.Invalid("id", "must not be empty")
	}
	if cash.IsNegative() {
		return nil, model.Invalid("cash", "must not be negative")
	}
	if err := e.repo.CreatePortfolio(ctx, id, cash); err != nil {
		return nil, err
	}
	slog.Info("portfolio created", "portfolio_id", id, "cash", cash.String())
	return e.repo.Snapshot(ctx, id)
}

// Deposit credits cash under the portfolio lock.
func (e *Engine) Deposit(ctx context.Context, id string, amount decimal.Decimal) (*model.PortfolioSnapshot, error) {
	return e.moveCash(ctx, id, amount, e.repo.CreditCash)
}

// Withdraw debits cash under the portfolio lock. It fails with
// model.ErrInsufficientFunds rather than overdraw.
func (e *Engine) Withdraw(ctx context.Context, id string, amount decimal.Decimal) (*model.PortfolioSnapshot, error) {
	return e.moveCash(ctx, id, amount, e.repo.DebitCash)
}

func (e *Engine) moveCash(ctx context.Context, id string, amount decimal.Decimal, op func(context.Context, string, decimal.Decimal) error) (*model.PortfolioSnapshot, error) {
	if !amount.IsPositive() {
		return nil, model.Invalid("amount", "must be positive")
	}
	unlock, err := e.locks.Portfolio(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := op(ctx, id, amount); err != nil {
		return nil, err
	}
	return e.repo.Snapshot(ctx, id)
}

// PortfolioView is a snapshot revalued at current prices.
type PortfolioView struct {
	*model.PortfolioSnapshot
	MarketValue decimal.Decimal      `json:"market_value"`
	Marks       portfolio.Marks      `json:"marks"`
	PnL         portfolio.PnLSummary `json:"pnl"`
}

// Portfolio returns the ledger snapshot with marks for symbols the feed can
// price. Unpriced positions are valued at cost.
func (e *Engine) Portfolio(ctx context.Context, id string) (*PortfolioView, error) {
	snap, err := e.repo.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	marks := portfolio.FetchMarks(ctx, e.quotes, snap)
	return &PortfolioView{
		PortfolioSnapshot: snap,
		MarketValue:       portfolio.TotalValue(snap, marks),
		Marks:             marks,
		PnL:               portfolio.Summarize(snap, marks),
	}, nil
}

// Quote returns the current price for symbol, subject to the feed timeout
// and staleness bound.
func (e *Engine) Quote(ctx context.Context, symbol string) (model.PriceSnapshot, error) {
	return e.quotes.Quote(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
}

// Ping checks the repository.
func (e *Engine) Ping(ctx context.Context) error { return e.repo.Ping(ctx) }
