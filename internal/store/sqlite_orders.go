package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stock-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const orderColumns = `id, user_id, status, total_cents, submission_key, created_at, updated_at`

// CreateOrder writes the order header and lines atomically.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var userID, submissionKey sql.NullString
		if order.UserID != nil {
			userID = sql.NullString{String: *order.UserID, Valid: true}
		}
		if order.SubmissionKey != "" {
			submissionKey = sql.NullString{String: order.SubmissionKey, Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, user_id, status, total_cents, submission_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, order.ID.String(), userID, string(order.Status), order.TotalCents, submissionKey,
			formatTime(order.CreatedAt), formatTime(order.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) && submissionKey.Valid {
				return domain.ErrDuplicateSubmission
			}
			return fmt.Errorf("failed to create order: %w", err)
		}

		for _, line := range order.Lines {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_lines (id, order_id, product_id, qty, price_cents)
				VALUES (?, ?, ?, ?, ?)
			`, line.ID.String(), order.ID.String(), line.ProductID, line.Qty, line.PriceCents)
			if err != nil {
				return fmt.Errorf("failed to create order line: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := getOrder(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *SQLiteStore) FindOrderBySubmissionKey(ctx context.Context, key string) (*domain.Order, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE submission_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order by submission key: %w", err)
	}
	orderID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", id, err)
	}
	return getOrder(ctx, s.db, orderID)
}

func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	args := make([]interface{}, 0, 2)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	rows.Close()

	for i := range orders {
		lines, err := getLines(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Lines = lines
	}
	return orders, nil
}

// MarkDelivered is a conditional status update: only pending orders move.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var order *domain.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transition(ctx, tx, id, domain.OrderDelivered); err != nil {
			return err
		}
		var err error
		order, err = getOrder(ctx, tx, id)
		return err
	})
	return order, err
}

// CancelAndRelease flips the order to canceled and credits each line back in
// the same transaction, so a retry after a crash can never credit twice.
func (s *SQLiteStore) CancelAndRelease(ctx context.Context, id uuid.UUID) (*domain.Order, []domain.StockChange, error) {
	var (
		order   *domain.Order
		changes []domain.StockChange
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transition(ctx, tx, id, domain.OrderCanceled); err != nil {
			return err
		}
		var err error
		order, err = getOrder(ctx, tx, id)
		if err != nil {
			return err
		}

		ref := order.ID.String()
		changes = make([]domain.StockChange, 0, len(order.Lines))
		for _, line := range order.Lines {
			mv, err := findMovement(ctx, tx, ref, line.ProductID, domain.MovementRelease)
			if err != nil {
				return err
			}
			if mv != nil {
				changes = append(changes, mv.Change())
				continue
			}
			change, err := incrementTx(ctx, tx, ref, line.ProductID, line.Qty)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, changes, nil
}

// transition moves a pending order to status, reporting NotFound or
// AlreadyTerminal when the guarded update touches no row.
func transition(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.OrderStatus) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(status), formatTime(time.Now()), id.String(), string(domain.OrderPending))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound("order", id.String())
	}
	if err != nil {
		return fmt.Errorf("failed to read order status: %w", err)
	}
	return domain.AlreadyTerminal(id.String(), domain.OrderStatus(current))
}

func getOrder(ctx context.Context, q queryer, id uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("order", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	order.Lines, err = getLines(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func getLines(ctx context.Context, q queryer, orderID uuid.UUID) ([]domain.OrderLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, qty, price_cents
		FROM order_lines
		WHERE order_id = ?
		ORDER BY product_id
	`, orderID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0)
	for rows.Next() {
		var (
			line domain.OrderLine
			id   string
		)
		if err := rows.Scan(&id, &line.ProductID, &line.Qty, &line.PriceCents); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		line.ID, _ = uuid.Parse(id)
		line.OrderID = orderID
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order lines: %w", err)
	}
	return lines, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order                      domain.Order
		id, status                 string
		userID, submissionKey      sql.NullString
		createdAtStr, updatedAtStr string
	)
	if err := row.Scan(&id, &userID, &status, &order.TotalCents, &submissionKey, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", id, err)
	}
	order.ID = parsed
	if userID.Valid {
		u := userID.String
		order.UserID = &u
	}
	order.Status = domain.OrderStatus(status)
	order.SubmissionKey = submissionKey.String
	order.CreatedAt = parseTime(createdAtStr)
	order.UpdatedAt = parseTime(updatedAtStr)
	return &order, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
