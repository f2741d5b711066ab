// cmd/pricesim publishes simulated prices into Redis so the order engine can
// run end to end without a market-data vendor.
//
// Each tick walks every symbol by up to ±0.5%, writes the latest-price key
// and announces the symbol on the price-update channel, exactly as a live
// feed writer would.
//
// Config (env vars):
//
//	REDIS_ADDR            required
//	SIM_SYMBOLS           comma-separated symbols (default: "AAPL,MSFT,GOOG")
//	SIM_START_PRICE       starting price for every symbol (default: 100)
//	SIM_INTERVAL          tick interval (default: 1s)
//	PRICE_KEY_PREFIX      latest-price key prefix
//	PRICE_EVENTS_CHANNEL  price-update channel
package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/config"
	"autotrade/internal/model"
	redisstore "autotrade/internal/store/redis"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  decimal.Decimal
}

var (
	minPrice = decimal.RequireFromString("0.01")
	maxMove  = 0.005
)

// walkPrice applies a small random walk, rounded to cents and floored at one cent.
func walkPrice(rng *rand.Rand, price decimal.Decimal) decimal.Decimal {
	pct := (rng.Float64()*2 - 1) * maxMove
	next := price.Mul(decimal.NewFromFloat(1 + pct)).Round(2)
	if next.LessThan(minPrice) {
		return minPrice
	}
	return next
}

func runGenerator(ctx context.Context, pub *redisstore.PricePublisher, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	published := 0

	for {
		select {
		case <-ctx.Done():
			log.Printf("[pricesim] stopped after %d prices", published)
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		for i := range instruments {
			instruments[i].Price = walkPrice(rng, instruments[i].Price)
			snap := model.PriceSnapshot{Symbol: instruments[i].Symbol, Price: instruments[i].Price, Timestamp: now}
			if err := pub.Publish(ctx, snap); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[pricesim] publish %s: %v", snap.Symbol, err)
				continue
			}
			published++
		}
		if published%(100*len(instruments)) == 0 {
			log.Printf("[pricesim] %d prices published", published)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[pricesim] starting price simulator...")

	cfg := config.Load()
	if cfg.RedisAddr == "" {
		log.Fatalf("[pricesim] REDIS_ADDR is required")
	}
	if !cfg.SimStartPrice.IsPositive() {
		log.Fatalf("[pricesim] SIM_START_PRICE must be positive")
	}
	symbols := cfg.Symbols()
	if len(symbols) == 0 {
		log.Fatalf("[pricesim] no symbols configured via SIM_SYMBOLS")
	}

	instruments := make([]instrument, len(symbols))
	for i, s := range symbols {
		instruments[i] = instrument{Symbol: s, Price: cfg.SimStartPrice}
	}
	log.Printf("[pricesim] symbols: %v start=%s interval=%s", symbols, cfg.SimStartPrice, cfg.SimInterval)

	rdb, err := redisstore.Connect(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		log.Fatalf("[pricesim] %v", err)
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub := redisstore.NewPricePublisher(rdb, cfg.PriceKeyPrefix, cfg.PriceEventsChannel)
	runGenerator(ctx, pub, instruments, cfg.SimInterval)
	log.Println("[pricesim] shutdown complete.")
}
