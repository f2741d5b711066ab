package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/markethours"
	"autotrade/internal/model"
	"autotrade/internal/recommender"
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

func (c *clock) Advance(dt time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dt)
	c.mu.Unlock()
}

type testEngine struct {
	*Engine
	repo   *memory.Store
	prices *memory.Prices
	clk    *clock
}

func newTestEngine(t *testing.T, mod func(*Options)) *testEngine {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	opts := DefaultOptions()
	opts.Calendar = markethours.NewInLocation(time.UTC)
	opts.Now = clk.Now
	opts.TickInterval = time.Hour
	if mod != nil {
		mod(&opts)
	}
	repo := memory.New()
	prices := memory.NewPrices()
	return &testEngine{Engine: New(repo, prices, nil, opts), repo: repo, prices: prices, clk: clk}
}

func (te *testEngine) quote(symbol, price string) {
	te.prices.Set(symbol, d(price), te.clk.Now())
}

var highRule = model.StrategyRule{MaxPositionPercent: d("100"), RiskTolerance: model.RiskHigh}

func (te *testEngine) approve(t *testing.T, pf string, spec model.OrderSpec) *model.Order {
	t.Helper()
	ctx := context.Background()
	o, err := te.CreateOrder(ctx, spec)
	require.NoError(t, err)
	o, err = te.AssignOrder(ctx, o.ID, pf, highRule)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, o.Status)
	return o
}

func market(symbol string, action model.Action, qty int64) model.OrderSpec {
	return model.OrderSpec{Symbol: symbol, Action: action, Quantity: qty, Type: model.OrderTypeMarket, RiskLevel: model.RiskLow}
}

func TestScenario_LimitBuyThenStopLossChild(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)

	spec := model.OrderSpec{
		Symbol: "XYZ", Action: model.ActionBuy, Quantity: 10, Type: model.OrderTypeLimit,
		LimitPrice: model.Price(d("50")), StopLossPrice: model.Price(d("45")), RiskLevel: model.RiskMedium,
	}
	buy := te.approve(t, "p1", spec)

	te.quote("XYZ", "55")
	rep := te.ForceSweep(ctx)
	assert.Equal(t, 0, rep.Executed)

	te.quote("XYZ", "49")
	rep = te.ForceSweep(ctx)
	assert.Equal(t, 1, rep.Executed)

	view, err := te.Portfolio(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, view.Cash.Equal(d("9510")))
	assert.Equal(t, int64(10), view.Held("XYZ"))
	assert.True(t, view.Positions["XYZ"].AverageCost.Equal(d("49")))
	assert.True(t, view.MarketValue.Equal(d("10000")))

	kids, err := te.repo.ListChildren(ctx, buy.ID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	child := kids[0]
	assert.Equal(t, model.ActionSell, child.Action)
	assert.Equal(t, model.StatusApproved, child.Status)
	assert.Equal(t, "p1", child.PortfolioID)

	te.quote("XYZ", "44")
	rep = te.ForceSweep(ctx)
	assert.Equal(t, 1, rep.Executed)

	sold, err := te.GetOrder(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuted, sold.Status)
	assert.True(t, sold.ExecutionPrice.Decimal.Equal(d("45")))

	view, _ = te.Portfolio(ctx, "p1")
	assert.Equal(t, int64(0), view.Held("XYZ"))
	assert.True(t, view.Cash.Equal(d("9960")))
	assert.Equal(t, 2, view.PnL.TotalTrades)

	listed, err := te.OrdersByPortfolio(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestScenario_InsufficientFunds(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("400"))
	require.NoError(t, err)

	o, err := te.CreateOrder(ctx, model.OrderSpec{
		Symbol: "XYZ", Action: model.ActionBuy, Quantity: 10, Type: model.OrderTypeLimit,
		LimitPrice: model.Price(d("50")), RiskLevel: model.RiskLow,
	})
	require.NoError(t, err)
	got, err := te.AssignOrder(ctx, o.ID, "p1", highRule)
	var rej *model.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, model.ReasonInsufficientFunds, rej.Reason)
	assert.Equal(t, model.StatusRejected, got.Status)

	view, _ := te.Portfolio(ctx, "p1")
	assert.True(t, view.Cash.Equal(d("400")))
	assert.Empty(t, view.Positions)
}

func TestScenario_SameDaySellBlockedWithoutDayTrading(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)

	te.quote("XYZ", "50")
	te.approve(t, "p1", market("XYZ", model.ActionBuy, 10))
	rep := te.ForceSweep(ctx)
	require.Equal(t, 1, rep.Executed)

	te.clk.Advance(time.Hour)
	sell, err := te.CreateOrder(ctx, market("XYZ", model.ActionSell, 10))
	require.NoError(t, err)
	got, err := te.AssignOrder(ctx, sell.ID, "p1", highRule)
	var rej *model.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, model.ReasonDayTradeBlocked, rej.Reason)
	assert.Equal(t, model.StatusRejected, got.Status)

	view, _ := te.Portfolio(ctx, "p1")
	assert.Equal(t, int64(10), view.Held("XYZ"))

	allow := highRule
	allow.AllowDayTrading = true
	again, err := te.CreateOrder(ctx, market("XYZ", model.ActionSell, 10))
	require.NoError(t, err)
	got, err = te.AssignOrder(ctx, again.ID, "p1", allow)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
}

func TestScenario_ExpiryBeforeAssignment(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)

	exp := te.clk.Now().Add(time.Second)
	spec := market("XYZ", model.ActionBuy, 1)
	spec.ExpiresAt = &exp
	o, err := te.CreateOrder(ctx, spec)
	require.NoError(t, err)

	te.clk.Advance(2 * time.Second)
	rep := te.ForceSweep(ctx)
	assert.Equal(t, 1, rep.Expired)

	got, err := te.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	_, err = te.AssignOrder(ctx, o.ID, "p1", highRule)
	assert.True(t, errors.Is(err, model.ErrAlreadyTerminal))
}

func TestScenario_ConcurrentBuyAndSellOnOnePortfolio(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)
	require.NoError(t, te.repo.AdjustPosition(ctx, "p1", "MSFT", 20, d("100")))

	te.quote("AAPL", "150")
	te.quote("MSFT", "110")
	te.approve(t, "p1", market("AAPL", model.ActionBuy, 10))
	te.approve(t, "p1", market("MSFT", model.ActionSell, 5))

	rep := te.ForceSweep(ctx)
	assert.Equal(t, 2, rep.Executed)

	snap, err := te.repo.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.Cash.Equal(d("9050")), "cash %s", snap.Cash)
	assert.Equal(t, int64(10), snap.Held("AAPL"))
	assert.Equal(t, int64(15), snap.Held("MSFT"))
	assert.Len(t, snap.Trades, 2)
}

func TestTickIsIdempotent(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)

	spec := market("XYZ", model.ActionBuy, 10)
	spec.StopLossPrice = model.Price(d("40"))
	spec.TakeProfitPrice = model.Price(d("80"))
	te.quote("XYZ", "50")
	te.approve(t, "p1", spec)

	first := te.ForceSweep(ctx)
	assert.Equal(t, 1, first.Executed)
	before, _ := te.OrdersByStatus(ctx, model.StatusPending, model.StatusApproved, model.StatusExecuted)

	second := te.ForceSweep(ctx)
	assert.Equal(t, 0, second.Executed)
	assert.Equal(t, 0, second.Expired)
	assert.Equal(t, 0, second.Rejected)

	after, _ := te.OrdersByStatus(ctx, model.StatusPending, model.StatusApproved, model.StatusExecuted)
	assert.Len(t, after, len(before))
	snap, _ := te.repo.Snapshot(ctx, "p1")
	assert.Len(t, snap.Trades, 1)
}

func TestConcurrentTicksExecuteAtMostOnce(t *testing.T) {
	te := newTestEngine(t, func(o *Options) { o.EvalConcurrency = 4 })
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("100000"))
	require.NoError(t, err)
	te.quote("XYZ", "10")
	for i := 0; i < 6; i++ {
		te.approve(t, "p1", market("XYZ", model.ActionBuy, 10))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep := te.ForceSweep(ctx)
			mu.Lock()
			total += rep.Executed
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, total)
	snap, _ := te.repo.Snapshot(ctx, "p1")
	assert.Len(t, snap.Trades, 6)
	assert.Equal(t, int64(60), snap.Held("XYZ"))
	assert.True(t, snap.Cash.Equal(d("99400")))
}

func TestExpiryPrecedesTriggerInTick(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)

	exp := te.clk.Now().Add(time.Minute)
	spec := market("XYZ", model.ActionBuy, 1)
	spec.ExpiresAt = &exp
	te.quote("XYZ", "10")
	o := te.approve(t, "p1", spec)

	te.clk.Advance(time.Minute)
	te.quote("XYZ", "10")
	rep := te.ForceSweep(ctx)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 0, rep.Executed)

	got, _ := te.GetOrder(ctx, o.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	snap, _ := te.repo.Snapshot(ctx, "p1")
	assert.True(t, snap.Cash.Equal(d("10000")))
}

func TestFeedOutageSkipsWithoutFailing(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)
	o := te.approve(t, "p1", model.OrderSpec{
		Symbol: "NOQUOTE", Action: model.ActionBuy, Quantity: 1, Type: model.OrderTypeLimit,
		LimitPrice: model.Price(d("5")), RiskLevel: model.RiskLow,
	})

	rep := te.ForceSweep(ctx)
	assert.Equal(t, 1, rep.Evaluated)
	assert.Equal(t, 0, rep.Executed)

	got, _ := te.GetOrder(ctx, o.ID)
	assert.Equal(t, model.StatusApproved, got.Status)
}

func TestCancelOrder(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)
	te.quote("XYZ", "10")
	o := te.approve(t, "p1", market("XYZ", model.ActionBuy, 1))

	got, err := te.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	rep := te.ForceSweep(ctx)
	assert.Equal(t, 0, rep.Executed)

	_, err = te.CancelOrder(ctx, o.ID)
	assert.True(t, errors.Is(err, model.ErrAlreadyTerminal))
}

func TestDepositWithdraw(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("100"))
	require.NoError(t, err)

	_, err = te.CreatePortfolio(ctx, "p1", d("100"))
	assert.True(t, errors.Is(err, model.ErrPortfolioExists))

	snap, err := te.Deposit(ctx, "p1", d("50"))
	require.NoError(t, err)
	assert.True(t, snap.Cash.Equal(d("150")))

	_, err = te.Withdraw(ctx, "p1", d("500"))
	assert.True(t, errors.Is(err, model.ErrInsufficientFunds))

	snap, err = te.Withdraw(ctx, "p1", d("150"))
	require.NoError(t, err)
	assert.True(t, snap.Cash.IsZero())

	var ve *model.ValidationError
	_, err = te.Deposit(ctx, "p1", d("-1"))
	assert.True(t, errors.As(err, &ve))
}

func TestCreateFromRecommendation(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	_, _, err := te.CreateFromRecommendation(ctx, recommender.Request{Symbol: "XYZ", Quantity: 1})
	assert.True(t, errors.Is(err, recommender.ErrNoSignal))

	te.SetRecommender(recommender.Func(func(_ context.Context, symbol string) (model.Intent, error) {
		return model.Intent{Symbol: symbol, Action: model.ActionBuy, Confidence: 0.05, RiskLevel: model.RiskLow, Reasoning: []string{"test"}}, nil
	}))
	o, intent, err := te.CreateFromRecommendation(ctx, recommender.Request{Symbol: " xyz ", Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, "XYZ", intent.Symbol)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Equal(t, model.ActionBuy, o.Action)
	assert.Equal(t, 0.05, o.Confidence, "low confidence is still accepted")
}

func TestSchedulerLifecycle(t *testing.T) {
	te := newTestEngine(t, func(o *Options) { o.TickInterval = 5 * time.Millisecond })
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)
	te.quote("XYZ", "10")
	o := te.approve(t, "p1", market("XYZ", model.ActionBuy, 1))

	var mu sync.Mutex
	ticks := 0
	s := te.Scheduler()
	s.OnTick = func(TickReport) { mu.Lock(); ticks++; mu.Unlock() }

	require.NoError(t, s.Start(ctx))
	assert.True(t, errors.Is(s.Start(ctx), ErrSchedulerRunning))
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		got, _ := te.GetOrder(ctx, o.ID)
		return got.Status == model.StatusExecuted
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	s.Stop()

	mu.Lock()
	assert.Greater(t, ticks, 0)
	mu.Unlock()
}

func TestNotifyPriceEvaluatesSymbol(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	_, err := te.CreatePortfolio(ctx, "p1", d("10000"))
	require.NoError(t, err)
	te.quote("XYZ", "60")
	o := te.approve(t, "p1", model.OrderSpec{
		Symbol: "XYZ", Action: model.ActionBuy, Quantity: 1, Type: model.OrderTypeLimit,
		LimitPrice: model.Price(d("50")), RiskLevel: model.RiskLow,
	})

	s := te.Scheduler()
	te.prices.Subscribe(s.NotifyPrice)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	te.quote("XYZ", "49")
	require.Eventually(t, func() bool {
		got, _ := te.GetOrder(ctx, o.ID)
		return got.Status == model.StatusExecuted
	}, 2*time.Second, 5*time.Millisecond)
}
