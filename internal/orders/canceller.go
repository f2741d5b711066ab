package orders

import (
	"context"
	"fmt"
	"time"

	"autotrade/internal/model"
)

// Canceller moves live orders to CANCELLED.
type Canceller struct {
	store model.OrderStore
	locks *Locks
	sink  model.EventSink
	now   func() time.Time
}

// NewCanceller creates a Canceller.
func NewCanceller(store model.OrderStore, locks *Locks, sink model.EventSink, now func() time.Time) *Canceller {
	if sink == nil {
		sink = model.NopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &Canceller{store: store, locks: locks, sink: sink, now: now}
}

// Cancel cancels a PENDING or APPROVED order. If the order is already
// terminal it is returned unchanged together with model.ErrAlreadyTerminal.
func (c *Canceller) Cancel(ctx context.Context, orderID string, reason model.Reason) (*model.Order, error) {
	if reason == "" {
		reason = model.ReasonCancelledByUser
	}
	unlock, err := c.locks.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.cancelLocked(ctx, orderID, reason)
}

func (c *Canceller) cancelLocked(ctx context.Context, orderID string, reason model.Reason) (*model.Order, error) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, fmt.Errorf("%w: %s is %s", model.ErrAlreadyTerminal, o.ID, o.Status)
	}
	if err := PersistTransition(ctx, c.store, c.sink, o, model.StatusCancelled, reason, c.now()); err != nil {
		return nil, err
	}
	return o, nil
}

// CancelSiblings cancels every live protective order sharing executed's
// parent, other than executed itself. The caller must hold the group lock for the parent.
func (c *Canceller) CancelSiblings(ctx context.Context, executed *model.Order) ([]*model.Order, error) {
	if executed.ParentOrderID == "" {
		return nil, nil
	}
	siblings, err := c.store.ListChildren(ctx, executed.ParentOrderID)
	if err != nil {
		return nil, err
	}
	var cancelled []*model.Order
	for _, s := range siblings {
		if s.ID == executed.ID || s.ChildKind == "" || s.Status.Terminal() {
			continue
		}
		o, err := c.Cancel(ctx, s.ID, model.ReasonOCOSiblingFilled)
		if err != nil {
			continue // terminal in the meantime
		}
		cancelled = append(cancelled, o)
	}
	return cancelled, nil
}
