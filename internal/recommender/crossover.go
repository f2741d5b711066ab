package recommender

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"autotrade/internal/indicator"
	"autotrade/internal/model"
)

// Crossover is an in-process recommender driven by observed prices.
//
// BUY while the fast SMA is above the slow SMA, SELL while it is below.
// With the RSI filter on, BUY is withheld when RSI > 70 and SELL when
// RSI < 30. Confidence grows with the gap between the averages.
type Crossover struct {
	fastPeriod int
	slowPeriod int
	rsiPeriod  int // 0 disables the filter

	mu      sync.Mutex
	symbols map[string]*series
}

type series struct {
	fast, slow *indicator.SMA
	rsi        *indicator.RSI
}

// NewCrossover creates a Crossover. fastPeriod must be below slowPeriod
// (for example 9 and 21).
func NewCrossover(fastPeriod, slowPeriod, rsiPeriod int) (*Crossover, error) {
	if fastPeriod <= 0 || slowPeriod <= fastPeriod {
		return nil, fmt.Errorf("crossover: need 0 < fast < slow, got %d and %d", fastPeriod, slowPeriod)
	}
	if rsiPeriod < 0 {
		rsiPeriod = 0
	}
	return &Crossover{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		rsiPeriod:  rsiPeriod,
		symbols:    make(map[string]*series),
	}, nil
}

// Observe feeds one price for symbol.
func (c *Crossover) Observe(symbol string, price decimal.Decimal) {
	p := price.InexactFloat64()
	if p <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToUpper(symbol)
	s, ok := c.symbols[key]
	if !ok {
		s = &series{fast: indicator.NewSMA(c.fastPeriod), slow: indicator.NewSMA(c.slowPeriod)}
		if c.rsiPeriod > 0 {
			s.rsi = indicator.NewRSI(c.rsiPeriod)
		}
		c.symbols[key] = s
	}
	s.fast.Update(p)
	s.slow.Update(p)
	if s.rsi != nil {
		s.rsi.Update(p)
	}
}

func (c *Crossover) ProduceIntent(_ context.Context, symbol string) (model.Intent, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.symbols[symbol]
	if !ok || !s.slow.Ready() {
		return model.Intent{}, fmt.Errorf("%w: %s warming up", ErrNoSignal, symbol)
	}
	fast, slow := s.fast.Value(), s.slow.Value()
	if fast == slow {
		return model.Intent{}, fmt.Errorf("%w: %s averages level", ErrNoSignal, symbol)
	}

	in := model.Intent{
		Symbol:     symbol,
		Confidence: math.Min(1, math.Abs(fast-slow)/slow*20),
		RiskLevel:  model.RiskMedium,
	}
	if fast > slow {
		in.Action = model.ActionBuy
		in.Reasoning = []string{fmt.Sprintf("SMA%d %.4f above SMA%d %.4f", c.fastPeriod, fast, c.slowPeriod, slow)}
	} else {
		in.Action = model.ActionSell
		in.Reasoning = []string{fmt.Sprintf("SMA%d %.4f below SMA%d %.4f", c.fastPeriod, fast, c.slowPeriod, slow)}
	}

	if s.rsi != nil && s.rsi.Ready() {
		rsi := s.rsi.Value()
		if in.Action == model.ActionBuy && rsi > 70 {
			return model.Intent{}, fmt.Errorf("%w: %s overbought (RSI %.1f)", ErrNoSignal, symbol, rsi)
		}
		if in.Action == model.ActionSell && rsi < 30 {
			return model.Intent{}, fmt.Errorf("%w: %s oversold (RSI %.1f)", ErrNoSignal, symbol, rsi)
		}
		in.Reasoning = append(in.Reasoning, fmt.Sprintf("RSI%d %.1f", c.rsiPeriod, rsi))
		if rsi > 60 || rsi < 40 {
			in.RiskLevel = model.RiskHigh
		}
	}
	return in, nil
}
