package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"autotrade/internal/model"
)

// unreachable returns a client pointed at a closed local port.
func unreachable(t *testing.T) *goredis.Client {
	t.Helper()
	c := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDecodeSnapshot(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"symbol":"XYZ","price":"49.50","ts":"2026-03-02T15:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Symbol != "XYZ" || snap.Price.String() != "49.5" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	for _, bad := range []string{`not json`, `{"symbol":"","price":"1"}`, `{"symbol":"XYZ","price":"0"}`} {
		if _, err := DecodeSnapshot([]byte(bad)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestPriceKey(t *testing.T) {
	if got := PriceKey(DefaultPriceKeyPrefix, "aapl"); got != "price:latest:AAPL" {
		t.Errorf("PriceKey = %q", got)
	}
}

func TestPriceFeed_OutageIsFeedErrorThenBreakerOpens(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	feed := NewPriceFeed(unreachable(t), "", cb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := feed.Snapshot(ctx, "XYZ")
		var fe *model.FeedError
		if !errors.As(err, &fe) {
			t.Fatalf("attempt %d: expected FeedError, got %v", i, err)
		}
		if !model.IsTransient(err) {
			t.Errorf("feed outage must be transient")
		}
	}

	_, err := feed.Snapshot(ctx, "XYZ")
	if !errors.Is(err, model.ErrCircuitOpen) {
		t.Errorf("expected open breaker, got %v", err)
	}
}

func TestEventPublisher_BuffersWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.Execute(func() error { return errors.New("down") })

	ep := NewEventPublisher(unreachable(t), "", cb, 2)
	buffered := 0
	ep.OnBuffer = func() { buffered++ }

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := ep.Send(context.Background(), model.Event{ID: id, Type: model.EventApproved}); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	if buffered != 3 {
		t.Errorf("expected 3 buffer callbacks, got %d", buffered)
	}
	if ep.PendingCount() != 2 {
		t.Errorf("expected buffer capped at 2, got %d", ep.PendingCount())
	}
}
