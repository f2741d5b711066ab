package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/model"
)

// Prices is an in-process price feed. Without Redis, prices are posted to it
// through the admin API.
type Prices struct {
	mu   sync.RWMutex
	last map[string]model.PriceSnapshot
	subs []func(symbol string)
}

var _ model.PriceFeed = (*Prices)(nil)

// NewPrices creates an empty feed.
func NewPrices() *Prices {
	return &Prices{last: make(map[string]model.PriceSnapshot)}
}

// Set records the latest price for symbol and notifies subscribers.
func (p *Prices) Set(symbol string, price decimal.Decimal, at time.Time) {
	symbol = strings.ToUpper(symbol)
	p.mu.Lock()
	p.last[symbol] = model.PriceSnapshot{Symbol: symbol, Price: price, Timestamp: at}
	subs := append([]func(string){}, p.subs...)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(symbol)
	}
}

// Subscribe registers fn to be called after every Set.
func (p *Prices) Subscribe(fn func(symbol string)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

func (p *Prices) Snapshot(_ context.Context, symbol string) (model.PriceSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.last[symbol]
	if !ok {
		return model.PriceSnapshot{}, fmt.Errorf("%w: %s", model.ErrNoPrice, symbol)
	}
	return s, nil
}
