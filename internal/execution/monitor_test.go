package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/markethours"
	"autotrade/internal/model"
	"autotrade/internal/orders"
	"autotrade/internal/portfolio"
	"autotrade/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type failingFeed struct{ err error }

func (f failingFeed) Snapshot(context.Context, string) (model.PriceSnapshot, error) {
	return model.PriceSnapshot{}, f.err
}

type harness struct {
	repo      *memory.Store
	prices    *memory.Prices
	clk       *clock
	intake    *orders.Intake
	validator *orders.Validator
	monitor   *Monitor
}

// Monday 2 March 2026, inside the default session when read in UTC.
var monday = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg Config, feed model.PriceFeed) *harness {
	t.Helper()
	h := &harness{repo: memory.New(), prices: memory.NewPrices(), clk: &clock{t: monday}}
	if feed == nil {
		feed = h.prices
	}
	cal := markethours.NewInLocation(time.UTC)
	locks := orders.NewLocks()
	quotes := &orders.Quoter{Feed: feed, Timeout: time.Second, StaleAfter: time.Minute, Now: h.clk.Now}

	h.intake = orders.NewIntake(h.repo, nil, time.Hour, h.clk.Now)
	h.validator = orders.NewValidator(h.repo, quotes, portfolio.NewChecker(cal), locks, nil, h.clk.Now)
	canceller := orders.NewCanceller(h.repo, locks, nil, h.clk.Now)
	children := orders.NewChildGenerator(h.repo, h.intake, h.validator, model.OrderTypeStopLimit, true)
	h.monitor = NewMonitor(h.repo, quotes, locks, children, canceller, cal, nil, cfg, h.clk.Now)

	require.NoError(t, h.repo.CreatePortfolio(context.Background(), "p1", d("10000")))
	return h
}

var rule = model.StrategyRule{MaxPositionPercent: d("100"), RiskTolerance: model.RiskHigh}

func (h *harness) approved(t *testing.T, spec model.OrderSpec) *model.Order {
	t.Helper()
	ctx := context.Background()
	o, err := h.intake.Create(ctx, spec)
	require.NoError(t, err)
	o, err = h.validator.Assign(ctx, o.ID, "p1", rule)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, o.Status)
	return o
}

func (h *harness) quote(symbol, price string) {
	h.prices.Set(symbol, d(price), h.clk.Now())
}

func limitBuy() model.OrderSpec {
	return model.OrderSpec{
		Symbol: "XYZ", Action: model.ActionBuy, Quantity: 10, Type: model.OrderTypeLimit,
		LimitPrice: model.Price(d("50")), RiskLevel: model.RiskMedium,
	}
}

func TestTrigger(t *testing.T) {
	limit := func(a model.Action, p string) *model.Order {
		return &model.Order{Action: a, Type: model.OrderTypeLimit, LimitPrice: model.Price(d(p))}
	}
	stop := func(a model.Action, s, l string) *model.Order {
		return &model.Order{Action: a, Type: model.OrderTypeStopLimit, StopPrice: model.Price(d(s)), LimitPrice: model.Price(d(l))}
	}
	tests := []struct {
		name   string
		order  *model.Order
		market string
		fires  bool
		fill   string
	}{
		{"market", &model.Order{Action: model.ActionBuy, Type: model.OrderTypeMarket}, "12.5", true, "12.5"},
		{"limit buy above", limit(model.ActionBuy, "50"), "55", false, ""},
		{"limit buy at", limit(model.ActionBuy, "50"), "50", true, "50"},
		{"limit buy below", limit(model.ActionBuy, "50"), "49", true, "49"},
		{"limit sell below", limit(model.ActionSell, "60"), "59.99", false, ""},
		{"limit sell above", limit(model.ActionSell, "60"), "61", true, "61"},
		{"limit stop-loss child above stop", limit(model.ActionSell, "45"), "49", true, "49"},
		{"stop sell not reached", stop(model.ActionSell, "45", "45"), "46", false, ""},
		{"stop sell gapped through", stop(model.ActionSell, "45", "45"), "44", true, "45"},
		{"stop sell at stop", stop(model.ActionSell, "45", "44"), "45", true, "45"},
		{"stop buy breakout", stop(model.ActionBuy, "100", "102"), "101", true, "101"},
		{"stop buy capped", stop(model.ActionBuy, "100", "102"), "105", true, "102"},
		{"stop buy below", stop(model.ActionBuy, "100", "102"), "99", false, ""},
		{"zero market", limit(model.ActionBuy, "50"), "0", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill, ok := Trigger(tt.order, d(tt.market))
			assert.Equal(t, tt.fires, ok)
			if tt.fires {
				assert.True(t, fill.Equal(d(tt.fill)), "fill %s, want %s", fill, tt.fill)
			}
		})
	}
}

func TestLimitBuyExecutesOnceBelowLimit(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	o := h.approved(t, limitBuy())

	h.quote("XYZ", "55")
	res, err := h.monitor.Evaluate(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, res)

	h.quote("XYZ", "49")
	res, err = h.monitor.Evaluate(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusExecuted, res.Order.Status)
	assert.True(t, res.Order.ExecutionPrice.Decimal.Equal(d("49")))
	require.NotNil(t, res.Order.ExecutedAt)

	snap, err := h.repo.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.Cash.Equal(d("9510")), "cash %s", snap.Cash)
	assert.Equal(t, int64(10), snap.Held("XYZ"))
	assert.True(t, snap.Positions["XYZ"].AverageCost.Equal(d("49")))
	require.Len(t, snap.Trades, 1)

	res, err = h.monitor.Evaluate(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, res, "executed orders are never re-evaluated")
	snap, _ = h.repo.Snapshot(ctx, "p1")
	assert.Len(t, snap.Trades, 1)
}

func TestStopLossChildSellsPosition(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	spec := limitBuy()
	spec.StopLossPrice = model.Price(d("45"))
	parent := h.approved(t, spec)

	h.quote("XYZ", "49")
	res, err := h.monitor.Evaluate(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Children, 1)

	child := res.Children[0]
	assert.Equal(t, parent.ID, child.ParentOrderID)
	assert.Equal(t, model.StatusApproved, child.Status)
	assert.Equal(t, model.OrderTypeStopLimit, child.Type)

	h.quote("XYZ", "47")
	res, err = h.monitor.Evaluate(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, res)

	h.quote("XYZ", "44")
	res, err = h.monitor.Evaluate(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Fill.Price.Equal(d("45")))
	assert.Empty(t, res.Children, "children never derive children")

	snap, _ := h.repo.Snapshot(ctx, "p1")
	assert.Equal(t, int64(0), snap.Held("XYZ"))
	assert.True(t, snap.Cash.Equal(d("9960")), "cash %s", snap.Cash)
	assert.True(t, snap.RealizedPnL.Equal(d("-40")))
}

func TestStaleFundsRejectsWithoutLedgerChange(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	spec := limitBuy()
	spec.Type = model.OrderTypeMarket
	spec.LimitPrice = decimal.NullDecimal{}
	h.quote("XYZ", "50")
	o := h.approved(t, spec)

	require.NoError(t, h.repo.DebitCash(ctx, "p1", d("9800")))
	res, err := h.monitor.Evaluate(ctx, o.ID)
	assert.Nil(t, res)
	var rej *model.RejectionError
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.Equal(t, model.ReasonStaleInsufficientFunds, rej.Reason)

	stored, _ := h.repo.GetOrder(ctx, o.ID)
	assert.Equal(t, model.StatusRejected, stored.Status)
	assert.Nil(t, stored.ExecutedAt)
	snap, _ := h.repo.Snapshot(ctx, "p1")
	assert.True(t, snap.Cash.Equal(d("200")))
	assert.Empty(t, snap.Trades)
}

func TestStaleFundsCheckedAtMarketNotCappedFill(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	o := h.approved(t, model.OrderSpec{
		Symbol: "XYZ", Action: model.ActionBuy, Quantity: 10, Type: model.OrderTypeStopLimit,
		StopPrice: model.Price(d("50")), LimitPrice: model.Price(d("52")), RiskLevel: model.RiskMedium,
	})
	// 520 covers the capped fill (10 x 52) but not the market (10 x 60).
	require.NoError(t, h.repo.DebitCash(ctx, "p1", d("9480")))

	h.quote("XYZ", "60")
	res, err := h.monitor.Evaluate(ctx, o.ID)
	assert.Nil(t, res)
	var rej *model.RejectionError
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.Equal(t, model.ReasonStaleInsufficientFunds, rej.Reason)

	snap, _ := h.repo.Snapshot(ctx, "p1")
	assert.True(t, snap.Cash.Equal(d("520")), "cash %s", snap.Cash)
	assert.Equal(t, int64(0), snap.Held("XYZ"))
}

func TestStaleSharesRejectsSell(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, h.repo.AdjustPosition(ctx, "p1", "XYZ", 10, d("40")))

	sell := model.OrderSpec{
		Symbol: "XYZ", Action: model.ActionSell, Quantity: 10, Type: model.OrderTypeLimit,
		LimitPrice: model.Price(d("50")), RiskLevel: model.RiskLow,
	}
	o := h.approved(t, sell)
	require.NoError(t, h.repo.AdjustPosition(ctx, "p1", "XYZ", -5, d("40")))

	h.quote("XYZ", "51")
	_, err := h.monitor.Evaluate(ctx, o.ID)
	var rej *model.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, model.ReasonStaleInsufficientShares, rej.Reason)
	snap, _ := h.repo.Snapshot(ctx, "p1")
	assert.Equal(t, int64(5), snap.Held("XYZ"))
}

func TestExpiryTakesPrecedenceOverTrigger(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	o := h.approved(t, limitBuy())

	h.clk.Set(o.ExpiresAt)
	h.quote("XYZ", "40")
	res, err := h.monitor.EvaluateAndExecute(ctx, o, model.PriceSnapshot{Symbol: "XYZ", Price: d("40"), Timestamp: h.clk.Now()})
	require.NoError(t, err)
	assert.Nil(t, res)

	stored, _ := h.repo.GetOrder(ctx, o.ID)
	assert.Equal(t, model.StatusExpired, stored.Status)
	snap, _ := h.repo.Snapshot(ctx, "p1")
	assert.True(t, snap.Cash.Equal(d("10000")))
}

func TestFeedFailureKeepsOrderApproved(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Config{}, failingFeed{err: model.ErrFeedTimeout})
	h.monitor.OnFeedError = func(string, error) { calls.Add(1) }
	o := h.approved(t, limitBuy())

	res, err := h.monitor.Evaluate(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int32(1), calls.Load())

	stored, _ := h.repo.GetOrder(context.Background(), o.ID)
	assert.Equal(t, model.StatusApproved, stored.Status)
}

func TestConcurrentEvaluationExecutesOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	o := h.approved(t, limitBuy())
	h.quote("XYZ", "49")

	var wg sync.WaitGroup
	var executed atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.monitor.Evaluate(ctx, o.ID)
			if err == nil && res != nil {
				executed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), executed.Load())
	snap, _ := h.repo.Snapshot(ctx, "p1")
	assert.True(t, snap.Cash.Equal(d("9510")))
	assert.Len(t, snap.Trades, 1)
}

func TestOCOCancelsSibling(t *testing.T) {
	h := newHarness(t, Config{OCO: true}, nil)
	ctx := context.Background()
	spec := limitBuy()
	spec.StopLossPrice = model.Price(d("45"))
	spec.TakeProfitPrice = model.Price(d("60"))
	parent := h.approved(t, spec)

	h.quote("XYZ", "49")
	res, err := h.monitor.Evaluate(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, res.Children, 2)
	stopLoss, takeProfit := res.Children[0], res.Children[1]

	h.quote("XYZ", "61")
	res, err = h.monitor.Evaluate(ctx, takeProfit.ID)
	require.NoError(t, err)
	require.NotNil(t, res)

	sl, _ := h.repo.GetOrder(ctx, stopLoss.ID)
	assert.Equal(t, model.StatusCancelled, sl.Status)
	assert.Equal(t, model.ReasonOCOSiblingFilled, sl.Reason)

	snap, _ := h.repo.Snapshot(ctx, "p1")
	assert.Equal(t, int64(0), snap.Held("XYZ"))
}

func TestWithoutOCOSiblingStaysLive(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	spec := limitBuy()
	spec.StopLossPrice = model.Price(d("45"))
	spec.TakeProfitPrice = model.Price(d("60"))
	parent := h.approved(t, spec)

	h.quote("XYZ", "49")
	res, err := h.monitor.Evaluate(ctx, parent.ID)
	require.NoError(t, err)
	stopLoss, takeProfit := res.Children[0], res.Children[1]

	h.quote("XYZ", "61")
	_, err = h.monitor.Evaluate(ctx, takeProfit.ID)
	require.NoError(t, err)

	sl, _ := h.repo.GetOrder(ctx, stopLoss.ID)
	assert.Equal(t, model.StatusApproved, sl.Status)

	// The stop later fires against an empty position and is rejected as stale.
	h.quote("XYZ", "44")
	_, err = h.monitor.Evaluate(ctx, stopLoss.ID)
	var rej *model.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, model.ReasonStaleInsufficientShares, rej.Reason)
}

func TestMarketClosedDefersExecution(t *testing.T) {
	h := newHarness(t, Config{RequireMarketOpen: true}, nil)
	ctx := context.Background()
	spec := limitBuy()
	exp := monday.Add(48 * time.Hour)
	spec.ExpiresAt = &exp
	o := h.approved(t, spec)

	h.clk.Set(time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC))
	h.quote("XYZ", "49")
	res, err := h.monitor.Evaluate(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, res)
	stored, _ := h.repo.GetOrder(ctx, o.ID)
	assert.Equal(t, model.StatusApproved, stored.Status)

	h.clk.Set(time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC))
	h.quote("XYZ", "49")
	res, err = h.monitor.Evaluate(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusExecuted, res.Order.Status)
}
