package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stock-ledger/internal/domain"

	"github.com/google/uuid"
)

// InsertNotification relies on the partial unique index over active stock
// alerts: a second identical alert is ignored rather than duplicated.
func (s *SQLiteStore) InsertNotification(ctx context.Context, ev *domain.NotificationEvent) (bool, error) {
	meta, err := json.Marshal(ev.Meta)
	if err != nil {
		return false, fmt.Errorf("failed to marshal notification meta: %w", err)
	}

	var productID sql.NullString
	if ev.ProductID != nil {
		productID = sql.NullString{String: *ev.ProductID, Valid: true}
	}

	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO notifications (id, product_id, kind, alert, message, meta, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ev.ID.String(), productID, string(ev.Kind), string(ev.Alert), ev.Message, string(meta), formatTime(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

func (s *SQLiteStore) DeleteNotifications(ctx context.Context, productID string, alert domain.StockAlert) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM notifications
			WHERE kind = 'stock' AND product_id = ? AND alert = ?
		`, productID, string(alert))
		if err != nil {
			return fmt.Errorf("failed to delete notifications: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted = int(n)
		return nil
	})
	return deleted, err
}

func (s *SQLiteStore) DeleteNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("failed to delete notification: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, alert, message, meta, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]domain.NotificationEvent, 0)
	for rows.Next() {
		var (
			ev                          domain.NotificationEvent
			id, kind, alert, meta, when string
			productID                   sql.NullString
		)
		if err := rows.Scan(&id, &productID, &kind, &alert, &ev.Message, &meta, &when); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		ev.ID, _ = uuid.Parse(id)
		if productID.Valid {
			p := productID.String
			ev.ProductID = &p
		}
		ev.Kind = domain.NotificationKind(kind)
		ev.Alert = domain.StockAlert(alert)
		if err := json.Unmarshal([]byte(meta), &ev.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification meta: %w", err)
		}
		ev.CreatedAt = parseTime(when)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return out, nil
}
