package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stock-ledger/internal/domain"

	"github.com/google/uuid"
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

const stockColumns = `product_id, name, max_qty, available_qty, notify_at_count, updated_at`

// Decrement reserves qty with a single conditional update; the affected-row
// count decides success.
func (s *SQLiteStore) Decrement(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	var change domain.StockChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mv, err := findMovement(ctx, tx, ref, productID, domain.MovementReserve)
		if err != nil {
			return err
		}
		if mv != nil {
			change = mv.Change()
			return mv.CheckReplay(qty)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE stock
			SET available_qty = available_qty - ?, updated_at = ?
			WHERE product_id = ? AND available_qty >= ?
		`, qty, formatTime(time.Now()), productID, qty)
		if err != nil {
			return fmt.Errorf("failed to reserve stock: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			available, err := availableQty(ctx, tx, productID)
			if err != nil {
				return err
			}
			return domain.InsufficientStock(productID, available, qty)
		}

		after, err := availableQty(ctx, tx, productID)
		if err != nil {
			return err
		}
		change = domain.StockChange{ProductID: productID, Before: after + qty, After: after}
		return insertMovement(ctx, tx, ref, domain.MovementReserve, qty, change)
	})
	return change, err
}

// Increment releases qty back to stock, creating the row if it is missing.
func (s *SQLiteStore) Increment(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	var change domain.StockChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mv, err := findMovement(ctx, tx, ref, productID, domain.MovementRelease)
		if err != nil {
			return err
		}
		if mv != nil {
			change = mv.Change()
			return mv.CheckReplay(qty)
		}
		change, err = incrementTx(ctx, tx, ref, productID, qty)
		return err
	})
	return change, err
}

func incrementTx(ctx context.Context, tx *sql.Tx, ref, productID string, qty int) (domain.StockChange, error) {
	current, err := availableQty(ctx, tx, productID)
	if err != nil {
		return domain.StockChange{}, err
	}
	if err := domain.CheckIncrement(productID, current, qty); err != nil {
		return domain.StockChange{}, err
	}

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock (product_id, available_qty, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			available_qty = available_qty + excluded.available_qty,
			updated_at = excluded.updated_at
	`, productID, qty, now)
	if err != nil {
		return domain.StockChange{}, fmt.Errorf("failed to release stock: %w", err)
	}

	after, err := availableQty(ctx, tx, productID)
	if err != nil {
		return domain.StockChange{}, err
	}
	change := domain.StockChange{ProductID: productID, Before: after - qty, After: after}
	if err := insertMovement(ctx, tx, ref, domain.MovementRelease, qty, change); err != nil {
		return domain.StockChange{}, err
	}
	return change, nil
}

func (s *SQLiteStore) FindMovement(ctx context.Context, ref, productID string, kind domain.MovementKind) (*domain.StockMovement, error) {
	return findMovement(ctx, s.db, ref, productID, kind)
}

func (s *SQLiteStore) GetStock(ctx context.Context, productID string) (*domain.StockRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stock WHERE product_id = ?`, productID)
	rec, err := scanStock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetStocks(ctx context.Context, productIDs []string) (map[string]domain.StockRecord, error) {
	out := make(map[string]domain.StockRecord, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(productIDs)), ",")
	args := make([]interface{}, len(productIDs))
	for i, id := range productIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+stockColumns+` FROM stock WHERE product_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get stocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		out[rec.ProductID] = *rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListStock(ctx context.Context) ([]domain.StockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stockColumns+` FROM stock ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StockRecord, 0)
	for rows.Next() {
		rec, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock: %w", err)
	}
	return out, nil
}

// PutStock is the stock-manager override: it sets available_qty directly.
func (s *SQLiteStore) PutStock(ctx context.Context, productID string, upd StockUpdate) (domain.StockChange, *domain.StockRecord, error) {
	var (
		change domain.StockChange
		rec    *domain.StockRecord
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanStock(tx.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stock WHERE product_id = ?`, productID))
		if errors.Is(err, sql.ErrNoRows) {
			current = domain.NewStockRecord(productID)
		} else if err != nil {
			return fmt.Errorf("failed to get stock: %w", err)
		}

		next := *current
		next.AvailableQty = upd.Available
		if upd.Name != nil {
			next.Name = *upd.Name
		}
		if upd.MaxQty != nil {
			next.MaxQty = *upd.MaxQty
		}
		if upd.ClearNotifyAt {
			next.NotifyAtCount = nil
		} else if upd.NotifyAtCount != nil {
			next.NotifyAtCount = domain.IntPtr(*upd.NotifyAtCount)
		}
		next.UpdatedAt = time.Now().UTC()

		var notifyAt sql.NullInt64
		if next.NotifyAtCount != nil {
			notifyAt = sql.NullInt64{Int64: int64(*next.NotifyAtCount), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock (product_id, name, max_qty, available_qty, notify_at_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(product_id) DO UPDATE SET
				name = excluded.name,
				max_qty = excluded.max_qty,
				available_qty = excluded.available_qty,
				notify_at_count = excluded.notify_at_count,
				updated_at = excluded.updated_at
		`, productID, next.Name, next.MaxQty, next.AvailableQty, notifyAt, formatTime(next.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to set stock: %w", err)
		}

		change = domain.StockChange{ProductID: productID, Before: current.AvailableQty, After: next.AvailableQty}
		rec = &next
		return insertMovement(ctx, tx, uuid.NewString(), domain.MovementSet, upd.Available, change)
	})
	if err != nil {
		return domain.StockChange{}, nil, err
	}
	return change, rec, nil
}

func availableQty(ctx context.Context, q queryer, productID string) (int, error) {
	var available int
	err := q.QueryRowContext(ctx, `SELECT available_qty FROM stock WHERE product_id = ?`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read available quantity: %w", err)
	}
	return available, nil
}

func findMovement(ctx context.Context, q queryer, ref, productID string, kind domain.MovementKind) (*domain.StockMovement, error) {
	var (
		mv               domain.StockMovement
		id, createdAtStr string
		kindStr          string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, ref, product_id, kind, qty, before_qty, after_qty, created_at
		FROM stock_movements
		WHERE ref = ? AND product_id = ? AND kind = ?
	`, ref, productID, string(kind)).Scan(
		&id, &mv.Ref, &mv.ProductID, &kindStr, &mv.Qty, &mv.Before, &mv.After, &createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find movement: %w", err)
	}
	mv.ID, _ = uuid.Parse(id)
	mv.Kind = domain.MovementKind(kindStr)
	mv.CreatedAt = parseTime(createdAtStr)
	return &mv, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, ref string, kind domain.MovementKind, qty int, change domain.StockChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, ref, product_id, kind, qty, before_qty, after_qty, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), ref, change.ProductID, string(kind), qty, change.Before, change.After, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record movement: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStock(row rowScanner) (*domain.StockRecord, error) {
	var (
		rec          domain.StockRecord
		notifyAt     sql.NullInt64
		updatedAtStr string
	)
	if err := row.Scan(&rec.ProductID, &rec.Name, &rec.MaxQty, &rec.AvailableQty, &notifyAt, &updatedAtStr); err != nil {
		return nil, err
	}
	if notifyAt.Valid {
		rec.NotifyAtCount = domain.IntPtr(int(notifyAt.Int64))
	}
	rec.UpdatedAt = parseTime(updatedAtStr)
	return &rec, nil
}
