package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrade/internal/model"
)

// Quoter fetches prices with a deadline and a freshness bound.
type Quoter struct {
	Feed       model.PriceFeed
	Timeout    time.Duration // per-call deadline; 0 means none
	StaleAfter time.Duration // max snapshot age; 0 means any age
	Now        func() time.Time
}

// Quote returns a fresh snapshot for symbol. Every failure is a *model.FeedError.
func (q *Quoter) Quote(ctx context.Context, symbol string) (model.PriceSnapshot, error) {
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	snap, err := q.Feed.Snapshot(ctx, symbol)
	if err != nil {
		var fe *model.FeedError
		switch {
		case errors.As(err, &fe):
			return snap, err
		case errors.Is(err, context.DeadlineExceeded):
			return snap, &model.FeedError{Symbol: symbol, Err: model.ErrFeedTimeout}
		default:
			return snap, &model.FeedError{Symbol: symbol, Err: err}
		}
	}
	if !snap.Price.IsPositive() {
		return snap, &model.FeedError{Symbol: symbol, Err: fmt.Errorf("%w: non-positive price %s", model.ErrNoPrice, snap.Price)}
	}
	if q.StaleAfter > 0 && !snap.Timestamp.IsZero() && q.now().Sub(snap.Timestamp) > q.StaleAfter {
		return snap, &model.FeedError{Symbol: symbol, Err: fmt.Errorf("%w: snapshot from %s", model.ErrStalePrice, snap.Timestamp.Format(time.RFC3339))}
	}
	return snap, nil
}

// Snapshot lets a Quoter stand in wherever a model.PriceFeed is expected.
func (q *Quoter) Snapshot(ctx context.Context, symbol string) (model.PriceSnapshot, error) {
	return q.Quote(ctx, symbol)
}

func (q *Quoter) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}
