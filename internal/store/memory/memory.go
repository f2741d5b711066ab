// Package memory is an in-process Repository. It is the default for tests
// and for running the engine without a database file.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrade/internal/model"
	"autotrade/internal/portfolio"
)

// Store keeps orders and portfolios behind one RWMutex. Every method copies
// values in and out so callers never share memory with the store.
type Store struct {
	mu         sync.RWMutex
	orders     map[string]*model.Order
	portfolios map[string]*model.PortfolioSnapshot
	now        func() time.Time
}

var _ model.Repository = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		orders:     make(map[string]*model.Order),
		portfolios: make(map[string]*model.PortfolioSnapshot),
		now:        time.Now,
	}
}

// ── OrderStore ──

func (s *Store) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("memory: order %s already exists", o.ID)
	}
	o.Version = 1
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *Store) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(o)
}

func (s *Store) updateLocked(o *model.Order) error {
	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, o.ID)
	}
	if cur.Version != o.Version {
		return fmt.Errorf("%w: %s has version %d, update carries %d", model.ErrVersionConflict, o.ID, cur.Version, o.Version)
	}
	o.Version++
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) ListByStatus(_ context.Context, statuses ...model.Status) ([]*model.Order, error) {
	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.filter(func(o *model.Order) bool { return want[o.Status] }), nil
}

func (s *Store) ListByPortfolio(_ context.Context, portfolioID string) ([]*model.Order, error) {
	return s.filter(func(o *model.Order) bool { return o.PortfolioID == portfolioID }), nil
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]*model.Order, error) {
	return s.filter(func(o *model.Order) bool { return o.ParentOrderID == parentID }), nil
}

func (s *Store) filter(keep func(*model.Order) bool) []*model.Order {
	s.mu.RLock()
	out := make([]*model.Order, 0)
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ── Ledger ──

func (s *Store) CreatePortfolio(_ context.Context, id string, cash decimal.Decimal) error {
	if cash.IsNegative() {
		return fmt.Errorf("memory: portfolio %s: initial cash must be non-negative", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.portfolios[id]; ok {
		return fmt.Errorf("%w: %s", model.ErrPortfolioExists, id)
	}
	s.portfolios[id] = portfolio.NewSnapshot(id, cash, s.now())
	return nil
}

// mutate applies fn to a scratch copy and swaps it in only on success.
func (s *Store) mutate(id string, fn func(*model.PortfolioSnapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(id, fn)
}

func (s *Store) mutateLocked(id string, fn func(*model.PortfolioSnapshot) error) error {
	cur, ok := s.portfolios[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPortfolioNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.portfolios[id] = next
	return nil
}

func (s *Store) DebitCash(_ context.Context, id string, amount decimal.Decimal) error {
	return s.mutate(id, func(p *model.PortfolioSnapshot) error {
		if err := portfolio.Debit(p, amount); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		return nil
	})
}

func (s *Store) CreditCash(_ context.Context, id string, amount decimal.Decimal) error {
	return s.mutate(id, func(p *model.PortfolioSnapshot) error {
		if err := portfolio.Credit(p, amount); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		return nil
	})
}

func (s *Store) AdjustPosition(_ context.Context, id, symbol string, deltaQty int64, price decimal.Decimal) error {
	return s.mutate(id, func(p *model.PortfolioSnapshot) error {
		realized, err := portfolio.Adjust(p, symbol, deltaQty, price)
		if err != nil {
			return err
		}
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.UpdatedAt = s.now()
		return nil
	})
}

func (s *Store) Snapshot(_ context.Context, id string) (*model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPortfolioNotFound, id)
	}
	return p.Clone(), nil
}

// ── Repository ──

// CommitExecution applies the fill and the order update under one write lock.
// If either fails neither is visible.
func (s *Store) CommitExecution(_ context.Context, o *model.Order, fill model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, o.ID)
	}
	if cur.Version != o.Version {
		return fmt.Errorf("%w: %s has version %d, update carries %d", model.ErrVersionConflict, o.ID, cur.Version, o.Version)
	}
	if err := s.mutateLocked(fill.PortfolioID, func(p *model.PortfolioSnapshot) error {
		_, err := portfolio.ApplyFill(p, fill)
		return err
	}); err != nil {
		return err
	}
	return s.updateLocked(o)
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
