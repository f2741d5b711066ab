// Package sqlite is the durable Repository: orders, their audit trail, and
// the portfolio ledger in one SQLite file.
//
// Every multi-row change runs in a single transaction. Helpers take a
// querier so the same code serves both *sql.DB and *sql.Tx; with one open
// connection a helper must never reach for the pool while a tx is live.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"autotrade/internal/model"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/orders.db"
}

// Store implements model.Repository on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ model.Repository = (*Store)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) the database with WAL mode and ensures the schema.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; transactions serialize on the one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return NewFromDB(db), nil
}

// NewFromDB wraps an already-open database whose schema exists.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id                TEXT    PRIMARY KEY,
			symbol            TEXT    NOT NULL,
			action            TEXT    NOT NULL,
			quantity          INTEGER NOT NULL,
			order_type        TEXT    NOT NULL,
			limit_price       TEXT,
			stop_price        TEXT,
			stop_loss_price   TEXT,
			take_profit_price TEXT,
			confidence        REAL    NOT NULL DEFAULT 0,
			reasoning         TEXT    NOT NULL DEFAULT '[]',
			risk_level        TEXT    NOT NULL,
			status            TEXT    NOT NULL,
			reason            TEXT    NOT NULL DEFAULT '',
			portfolio_id      TEXT    NOT NULL DEFAULT '',
			rule              TEXT,
			parent_order_id   TEXT    NOT NULL DEFAULT '',
			child_kind        TEXT    NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			expires_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			executed_at       INTEGER,
			execution_price   TEXT,
			version           INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_status    ON orders (status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_orders_portfolio ON orders (portfolio_id);
		CREATE INDEX IF NOT EXISTS idx_orders_parent    ON orders (parent_order_id);

		CREATE TABLE IF NOT EXISTS order_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id    TEXT    NOT NULL,
			from_status TEXT    NOT NULL,
			to_status   TEXT    NOT NULL,
			reason      TEXT    NOT NULL DEFAULT '',
			at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events (order_id, id);

		CREATE TABLE IF NOT EXISTS portfolios (
			id           TEXT    PRIMARY KEY,
			cash         TEXT    NOT NULL,
			realized_pnl TEXT    NOT NULL DEFAULT '0',
			updated_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS positions (
			portfolio_id TEXT    NOT NULL,
			symbol       TEXT    NOT NULL,
			quantity     INTEGER NOT NULL,
			average_cost TEXT    NOT NULL,
			PRIMARY KEY (portfolio_id, symbol)
		);

		CREATE TABLE IF NOT EXISTS trades (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			portfolio_id TEXT    NOT NULL,
			order_id     TEXT    NOT NULL,
			symbol       TEXT    NOT NULL,
			action       TEXT    NOT NULL,
			quantity     INTEGER NOT NULL,
			price        TEXT    NOT NULL,
			realized_pnl TEXT    NOT NULL DEFAULT '0',
			executed_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_portfolio ON trades (portfolio_id, id);
	`)
	return err
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("[sqlite] rollback error: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// CommitExecution applies the fill to the ledger, records the trade, and
// persists the EXECUTED order in one transaction.
func (s *Store) CommitExecution(ctx context.Context, o *model.Order, fill model.Fill) error {
	version := o.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := applyFill(ctx, tx, fill); err != nil {
			return err
		}
		return updateOrder(ctx, tx, o)
	})
	if err != nil {
		o.Version = version
	}
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
