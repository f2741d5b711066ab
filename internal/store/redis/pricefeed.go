package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"autotrade/internal/model"
)

const (
	DefaultPriceKeyPrefix = "price:latest:"
	DefaultPriceChannel   = "price:updates"
	defaultPriceTTL       = 10 * time.Minute
)

// PriceKey returns the cache key holding the latest snapshot for symbol.
func PriceKey(prefix, symbol string) string {
	return prefix + strings.ToUpper(symbol)
}

// DecodeSnapshot parses a cached or published price snapshot.
func DecodeSnapshot(data []byte) (model.PriceSnapshot, error) {
	var snap model.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode price snapshot: %w", err)
	}
	if snap.Symbol == "" || !snap.Price.IsPositive() {
		return snap, fmt.Errorf("decode price snapshot: missing symbol or non-positive price")
	}
	return snap, nil
}

// PriceFeed reads latest prices from the Redis cache through a circuit
// breaker. It implements model.PriceFeed.
type PriceFeed struct {
	client *goredis.Client
	prefix string
	cb     *CircuitBreaker
}

var _ model.PriceFeed = (*PriceFeed)(nil)

// NewPriceFeed creates a PriceFeed. An empty prefix uses DefaultPriceKeyPrefix.
func NewPriceFeed(client *goredis.Client, prefix string, cb *CircuitBreaker) *PriceFeed {
	if prefix == "" {
		prefix = DefaultPriceKeyPrefix
	}
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	return &PriceFeed{client: client, prefix: prefix, cb: cb}
}

// Snapshot returns the latest cached price. Every failure is a *model.FeedError.
func (f *PriceFeed) Snapshot(ctx context.Context, symbol string) (model.PriceSnapshot, error) {
	var data []byte
	err := f.cb.Execute(func() error {
		var err error
		data, err = f.client.Get(ctx, PriceKey(f.prefix, symbol)).Bytes()
		return err
	})
	switch {
	case errors.Is(err, goredis.Nil):
		return model.PriceSnapshot{}, &model.FeedError{Symbol: symbol, Err: model.ErrNoPrice}
	case errors.Is(err, context.DeadlineExceeded):
		return model.PriceSnapshot{}, &model.FeedError{Symbol: symbol, Err: model.ErrFeedTimeout}
	case err != nil:
		return model.PriceSnapshot{}, &model.FeedError{Symbol: symbol, Err: err}
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		return model.PriceSnapshot{}, &model.FeedError{Symbol: symbol, Err: err}
	}
	return snap, nil
}

// SubscribePrices listens on channel for published snapshots and calls fn
// with each updated symbol. Blocks until ctx is cancelled.
func SubscribePrices(ctx context.Context, client *goredis.Client, channel string, fn func(symbol string)) {
	if channel == "" {
		channel = DefaultPriceChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Printf("[redis] subscribed to %s", channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			snap, err := DecodeSnapshot([]byte(msg.Payload))
			if err != nil {
				log.Printf("[redis] dropping price update on %s: %v", msg.Channel, err)
				continue
			}
			fn(snap.Symbol)
		}
	}
}

// PricePublisher writes snapshots to the cache and announces them.
type PricePublisher struct {
	client  *goredis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

// NewPricePublisher creates a PricePublisher with default key prefix and
// channel when empty strings are passed.
func NewPricePublisher(client *goredis.Client, prefix, channel string) *PricePublisher {
	if prefix == "" {
		prefix = DefaultPriceKeyPrefix
	}
	if channel == "" {
		channel = DefaultPriceChannel
	}
	return &PricePublisher{client: client, prefix: prefix, channel: channel, ttl: defaultPriceTTL}
}

// Publish stores snap as the latest price and publishes it in one pipeline.
func (p *PricePublisher) Publish(ctx context.Context, snap model.PriceSnapshot) error {
	snap.Symbol = strings.ToUpper(snap.Symbol)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode price snapshot: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, PriceKey(p.prefix, snap.Symbol), data, p.ttl)
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish price %s: %w", snap.Symbol, err)
	}
	return nil
}
