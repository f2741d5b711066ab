package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"autotrade/internal/execution"
	"autotrade/internal/model"
	"autotrade/internal/orders"
)

// ErrSchedulerRunning is returned by Start on a running scheduler.
var ErrSchedulerRunning = errors.New("scheduler already running")

// TickReport summarizes one pass.
type TickReport struct {
	Expired   int           `json:"expired"`
	Evaluated int           `json:"evaluated"`
	Executed  int           `json:"executed"`
	Rejected  int           `json:"rejected"`
	Skipped   int           `json:"skipped"` // failed evaluations, retried next pass
	Duration  time.Duration `json:"duration_ns"`
}

// Scheduler drives the expiry sweep and trigger evaluation on a fixed
// interval, and on demand for symbols whose price just changed.
//
// Ticks may overlap (a forced sweep during a periodic one); per-order locks
// keep every transition single.
type Scheduler struct {
	store       model.OrderStore
	sweeper     *orders.Sweeper
	monitor     *execution.Monitor
	interval    time.Duration
	concurrency int
	now         func() time.Time

	// OnTick, if set, receives every report. Set before Start.
	OnTick func(TickReport)

	prices chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(store model.OrderStore, sweeper *orders.Sweeper, monitor *execution.Monitor, interval time.Duration, concurrency int, now func() time.Time) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:       store,
		sweeper:     sweeper,
		monitor:     monitor,
		interval:    interval,
		concurrency: concurrency,
		now:         now,
		prices:      make(chan string, 256),
	}
}

// Start launches the loop. It returns immediately; Stop ends it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.loop(ctx, s.done)
	slog.Info("scheduler started", "interval", s.interval.String(), "concurrency", s.concurrency)
	return nil
}

// Stop cancels the loop and waits for the pass in flight to finish.
// It is safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.running.Store(false)
	slog.Info("scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// NotifyPrice requests an out-of-band evaluation of symbol's orders. It
// never blocks; if the queue is full the next tick covers the symbol.
func (s *Scheduler) NotifyPrice(symbol string) {
	select {
	case s.prices <- strings.ToUpper(symbol):
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case sym := <-s.prices:
			s.OnPrice(ctx, sym)
		}
	}
}

// Tick runs one full pass: the expiry sweep first, then every APPROVED
// order is evaluated. Failures of single orders are logged and counted,
// never returned.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	start := time.Now()
	var rep TickReport

	n, err := s.sweeper.Sweep(ctx, s.now())
	if err != nil {
		slog.Warn("tick: sweep failed", "error", err)
	}
	rep.Expired = n

	approved, err := s.store.ListByStatus(ctx, model.StatusApproved)
	if err != nil {
		slog.Warn("tick: list approved failed", "error", err)
	}
	s.evaluate(ctx, approved, &rep)

	rep.Duration = time.Since(start)
	if s.OnTick != nil {
		s.OnTick(rep)
	}
	if rep.Executed+rep.Rejected+rep.Expired > 0 {
		slog.Info("tick", "expired", rep.Expired, "evaluated", rep.Evaluated,
			"executed", rep.Executed, "rejected", rep.Rejected, "skipped", rep.Skipped)
	}
	return rep
}

// OnPrice evaluates the APPROVED orders on one symbol.
func (s *Scheduler) OnPrice(ctx context.Context, symbol string) TickReport {
	start := time.Now()
	var rep TickReport

	approved, err := s.store.ListByStatus(ctx, model.StatusApproved)
	if err != nil {
		slog.Warn("price event: list approved failed", "symbol", symbol, "error", err)
		return rep
	}
	matching := approved[:0]
	for _, o := range approved {
		if o.Symbol == symbol {
			matching = append(matching, o)
		}
	}
	s.evaluate(ctx, matching, &rep)
	rep.Duration = time.Since(start)
	return rep
}

func (s *Scheduler) evaluate(ctx context.Context, list []*model.Order, rep *TickReport) {
	var executed, rejected, skipped atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, o := range list {
		id := o.ID
		g.Go(func() error {
			res, err := s.monitor.Evaluate(ctx, id)
			var rej *model.RejectionError
			switch {
			case errors.As(err, &rej):
				rejected.Add(1)
			case err != nil:
				skipped.Add(1)
				if ctx.Err() == nil {
					slog.Warn("evaluation failed", "order_id", id, "error", err)
				}
			case res != nil:
				executed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Evaluated += len(list)
	rep.Executed += int(executed.Load())
	rep.Rejected += int(rejected.Load())
	rep.Skipped += int(skipped.Load())
}
