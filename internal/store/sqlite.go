package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore implements Store on SQLite. Writes go through a single writer
// (one connection plus a mutex) so a conditional update and the rows written
// alongside it always commit as one unit.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite store ready", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stock (
		product_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		max_qty INTEGER NOT NULL DEFAULT 0,
		available_qty INTEGER NOT NULL DEFAULT 0,
		notify_at_count INTEGER,
		updated_at TEXT NOT NULL,
		CHECK(available_qty >= 0),
		CHECK(max_qty >= 0),
		CHECK(notify_at_count IS NULL OR notify_at_count >= 0)
	);

	-- Journal written in the same transaction as every counter update
	CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		ref TEXT NOT NULL,
		product_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		qty INTEGER NOT NULL,
		before_qty INTEGER NOT NULL,
		after_qty INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(ref, product_id, kind),
		CHECK(kind IN ('reserve', 'release', 'set'))
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		total_cents INTEGER NOT NULL DEFAULT 0,
		submission_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK(status IN ('pending', 'delivered', 'canceled'))
	);

	CREATE TABLE IF NOT EXISTS order_lines (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		qty INTEGER NOT NULL,
		price_cents INTEGER NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE,
		UNIQUE(order_id, product_id),
		CHECK(qty > 0),
		CHECK(price_cents >= 0)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		product_id TEXT,
		kind TEXT NOT NULL,
		alert TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		CHECK(kind IN ('stock', 'other'))
	);

	CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements(product_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);
	CREATE INDEX IF NOT EXISTS idx_order_lines_order_id ON order_lines(order_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at);
	-- One active alert per product and alert type
	CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_active_alert
		ON notifications(product_id, alert) WHERE kind = 'stock';
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a write transaction under the single-writer lock.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}
