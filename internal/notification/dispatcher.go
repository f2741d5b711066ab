package notification

import (
	"context"
	"log"
	"sync"
	"time"

	"autotrade/internal/model"
)

const defaultSendTimeout = 5 * time.Second

type route struct {
	sink Sink
	ch   chan model.Event
}

// Dispatcher fans lifecycle events out to every registered sink. Each sink
// has its own buffered queue and worker; when a queue is full the event is
// dropped for that sink so a slow channel never blocks the engine.
//
// Dispatcher implements model.EventSink.
type Dispatcher struct {
	mu      sync.RWMutex
	routes  []*route
	bufSize int
	timeout time.Duration

	OnDrop  func(sink string)
	OnError func(sink string, err error)
	OnSent  func(sink string)
}

var _ model.EventSink = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with the given per-sink buffer size.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Dispatcher{bufSize: bufferSize, timeout: defaultSendTimeout}
}

// Add registers a sink. Sinks must be added before Run.
func (d *Dispatcher) Add(s Sink) {
	d.mu.Lock()
	d.routes = append(d.routes, &route{sink: s, ch: make(chan model.Event, d.bufSize)})
	d.mu.Unlock()
}

// Emit queues e for every sink without blocking.
func (d *Dispatcher) Emit(e model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.routes {
		select {
		case r.ch <- e:
		default:
			if d.OnDrop != nil {
				d.OnDrop(r.sink.Name())
			} else {
				log.Printf("[notify] %s queue full, dropping event %s for order %s", r.sink.Name(), e.Type, e.OrderID)
			}
		}
	}
}

// Run delivers queued events until ctx is cancelled, then drains whatever
// is still queued and returns.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.RLock()
	routes := append([]*route(nil), d.routes...)
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range routes {
		wg.Add(1)
		go func(r *route) {
			defer wg.Done()
			d.worker(ctx, r)
		}(r)
	}
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, r *route) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					d.deliver(context.Background(), r.sink, e)
				default:
					return
				}
			}
		case e := <-r.ch:
			d.deliver(ctx, r.sink, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, e model.Event) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := s.Send(sendCtx, e); err != nil {
		if d.OnError != nil {
			d.OnError(s.Name(), err)
		} else {
			log.Printf("[notify] %s: delivery of %s for order %s failed: %v", s.Name(), e.Type, e.OrderID, err)
		}
		return
	}
	if d.OnSent != nil {
		d.OnSent(s.Name())
	}
}

// QueueStat reports saturation for one sink queue.
type QueueStat struct {
	Sink string
	Len  int
	Cap  int
}

// QueueStats returns (length, capacity) for each sink queue.
func (d *Dispatcher) QueueStats() []QueueStat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make([]QueueStat, len(d.routes))
	for i, r := range d.routes {
		stats[i] = QueueStat{Sink: r.sink.Name(), Len: len(r.ch), Cap: cap(r.ch)}
	}
	return stats
}
