package orders

import (
	"context"
	"log/slog"
	"time"

	"autotrade/internal/model"
)

// Sweeper expires live orders whose deadline has passed.
type Sweeper struct {
	store model.OrderStore
	locks *Locks
	sink  model.EventSink
}

// NewSweeper creates a Sweeper.
func NewSweeper(store model.OrderStore, locks *Locks, sink model.EventSink) *Sweeper {
	if sink == nil {
		sink = model.NopSink{}
	}
	return &Sweeper{store: store, locks: locks, sink: sink}
}

// Sweep transitions every PENDING or APPROVED order with expiresAt <= now to
// EXPIRED and returns how many it expired. Orders that reached another
// state between listing and locking are skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	live, err := s.store.ListByStatus(ctx, model.StatusPending, model.StatusApproved)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range live {
		if !candidate.Expired(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.expire(ctx, candidate.ID, now)
		if err != nil {
			slog.Warn("sweep: expire failed", "order_id", candidate.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		slog.Info("sweep complete", "expired", expired)
	}
	return expired, nil
}

func (s *Sweeper) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := s.locks.Order(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	if o.Status.Terminal() || !o.Expired(now) {
		return false, nil
	}
	if err := PersistTransition(ctx, s.store, s.sink, o, model.StatusExpired, model.ReasonExpired, now); err != nil {
		return false, err
	}
	return true, nil
}
