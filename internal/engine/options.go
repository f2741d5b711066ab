package engine

import (
	"time"

	"autotrade/internal/markethours"
	"autotrade/internal/model"
	"autotrade/internal/orders"
)

// Options configures an Engine. Zero fields take the defaults below.
type Options struct {
	OrderTTL        time.Duration // default lifetime of new orders (24h)
	TickInterval    time.Duration // scheduler cadence (2s)
	FeedTimeout     time.Duration // per-quote deadline (3s)
	PriceStaleAfter time.Duration // max quote age (30s)
	EvalConcurrency int           // orders evaluated in parallel per tick (16)

	ChildOrderType     model.OrderType // STOP_LIMIT or LIMIT for stop-loss children
	AutoAssignChildren bool
	OCOChildren        bool
	RequireMarketOpen  bool

	Calendar *markethours.Calendar // nil = New York session
	Now      func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		OrderTTL:           orders.DefaultTTL,
		TickInterval:       2 * time.Second,
		FeedTimeout:        3 * time.Second,
		PriceStaleAfter:    30 * time.Second,
		EvalConcurrency:    16,
		ChildOrderType:     model.OrderTypeStopLimit,
		AutoAssignChildren: true,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.OrderTTL <= 0 {
		o.OrderTTL = def.OrderTTL
	}
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.FeedTimeout <= 0 {
		o.FeedTimeout = def.FeedTimeout
	}
	if o.PriceStaleAfter < 0 {
		o.PriceStaleAfter = 0
	}
	if o.EvalConcurrency <= 0 {
		o.EvalConcurrency = def.EvalConcurrency
	}
	if o.ChildOrderType == "" {
		o.ChildOrderType = def.ChildOrderType
	}
	if o.Calendar == nil {
		cal, err := markethours.New("America/New_York")
		if err != nil {
			cal = markethours.NewInLocation(time.UTC)
		}
		o.Calendar = cal
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
