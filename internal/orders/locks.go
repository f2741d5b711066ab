package orders

import (
	"context"

	"autotrade/internal/lockmap"
)

// Locks serializes work per order, per portfolio and per sibling group.
// Callers that need more than one always acquire group, then order, then
// portfolio, and release in reverse.
type Locks struct {
	orders     *lockmap.Map
	portfolios *lockmap.Map
	groups     *lockmap.Map
}

// NewLocks creates an empty lock set.
func NewLocks() *Locks {
	return &Locks{
		orders:     lockmap.New(),
		portfolios: lockmap.New(),
		groups:     lockmap.New(),
	}
}

// Order locks one order id.
func (l *Locks) Order(ctx context.Context, id string) (func(), error) {
	return l.orders.Lock(ctx, id)
}

// Portfolio locks one portfolio id.
func (l *Locks) Portfolio(ctx context.Context, id string) (func(), error) {
	return l.portfolios.Lock(ctx, id)
}

// Group locks the sibling group rooted at parentID.
func (l *Locks) Group(ctx context.Context, parentID string) (func(), error) {
	return l.groups.Lock(ctx, parentID)
}
