package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"autotrade/internal/model"
)

const (
	DefaultEventChannel = "orders:events"
	eventStreamMaxLen   = 10000
)

// EventPublisher publishes lifecycle events to a Redis channel and appends
// them to a capped stream of the same name. While the breaker is open events
// are buffered locally and replayed once it closes.
type EventPublisher struct {
	client  *goredis.Client
	channel string
	cb      *CircuitBreaker

	mu     sync.Mutex
	buffer []model.Event
	maxBuf int

	OnBuffer func()
	OnFlush  func(count int)
}

// NewEventPublisher creates an EventPublisher. maxBufferSize <= 0 means 10000.
func NewEventPublisher(client *goredis.Client, channel string, cb *CircuitBreaker, maxBufferSize int) *EventPublisher {
	if channel == "" {
		channel = DefaultEventChannel
	}
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	ep := &EventPublisher{
		client:  client,
		channel: channel,
		cb:      cb,
		buffer:  make([]model.Event, 0, 64),
		maxBuf:  maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go ep.flush(context.Background())
		}
	}
	return ep
}

// Name identifies the sink in logs and metrics.
func (ep *EventPublisher) Name() string { return "redis" }

// Send publishes e. When the breaker is open the event is buffered and
// Send returns nil.
func (ep *EventPublisher) Send(ctx context.Context, e model.Event) error {
	err := ep.cb.Execute(func() error { return ep.write(ctx, e) })
	if err == ErrCircuitOpen {
		ep.bufferEvent(e)
		return nil
	}
	return err
}

func (ep *EventPublisher) write(ctx context.Context, e model.Event) error {
	data := e.JSON()
	pipe := ep.client.Pipeline()
	pipe.Publish(ctx, ep.channel, data)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: ep.channel,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"type": string(e.Type), "order_id": e.OrderID, "data": data},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish event %s: %w", e.ID, err)
	}
	return nil
}

func (ep *EventPublisher) bufferEvent(e model.Event) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if len(ep.buffer) >= ep.maxBuf {
		ep.buffer = ep.buffer[1:] // drop oldest
	}
	ep.buffer = append(ep.buffer, e)

	if ep.OnBuffer != nil {
		ep.OnBuffer()
	}
}

func (ep *EventPublisher) flush(ctx context.Context) {
	ep.mu.Lock()
	if len(ep.buffer) == 0 {
		ep.mu.Unlock()
		return
	}
	toFlush := ep.buffer
	ep.buffer = make([]model.Event, 0, 64)
	ep.mu.Unlock()

	flushed := 0
	for _, e := range toFlush {
		if err := ep.write(ctx, e); err != nil {
			log.Printf("[redis] replay of event %s failed: %v", e.ID, err)
			continue
		}
		flushed++
	}

	log.Printf("[redis] flushed %d buffered events", flushed)
	if ep.OnFlush != nil {
		ep.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered events.
func (ep *EventPublisher) PendingCount() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.buffer)
}
