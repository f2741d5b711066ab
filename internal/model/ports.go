package model

import (
	"context"

	"github.com/shopspring/decimal"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the lifecycle engine from concrete storage
// (in-memory, SQLite). Every method either fully applies or fully fails.

// OrderStore is the durable record of every order.
type OrderStore interface {
	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, o *Order) error

	// GetOrder returns a copy of the order, including its history.
	GetOrder(ctx context.Context, id string) (*Order, error)

	// UpdateOrder persists the order row and its most recent transition.
	// It fails with ErrVersionConflict if o.Version is not the stored version,
	// and bumps o.Version on success.
	UpdateOrder(ctx context.Context, o *Order) error

	// ListByStatus returns orders in any of the given statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error)

	// ListByPortfolio returns orders assigned to a portfolio, oldest first.
	ListByPortfolio(ctx context.Context, portfolioID string) ([]*Order, error)

	// ListChildren returns orders derived from parentID.
	ListChildren(ctx context.Context, parentID string) ([]*Order, error)
}

// Ledger is the authoritative cash and position state per portfolio.
type Ledger interface {
	CreatePortfolio(ctx context.Context, id string, cash decimal.Decimal) error
	DebitCash(ctx context.Context, id string, amount decimal.Decimal) error
	CreditCash(ctx context.Context, id string, amount decimal.Decimal) error
	AdjustPosition(ctx context.Context, id, symbol string, deltaQty int64, price decimal.Decimal) error
	Snapshot(ctx context.Context, id string) (*PortfolioSnapshot, error)
}

// Repository combines both stores with the single atomic execution commit.
type Repository interface {
	OrderStore
	Ledger

	// CommitExecution applies fill to the ledger, appends the trade, and
	// persists the EXECUTED order as one unit. On error nothing is applied.
	CommitExecution(ctx context.Context, o *Order, fill Fill) error

	// Ping checks store liveness.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// PriceFeed supplies current price snapshots.
type PriceFeed interface {
	Snapshot(ctx context.Context, symbol string) (PriceSnapshot, error)
}
