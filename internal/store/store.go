package store

import (
	"context"

	"stock-ledger/internal/domain"

	"github.com/google/uuid"
)

// StockUpdate is a stock-manager edit. Nil fields keep the current value.
type StockUpdate struct {
	Available     int
	Name          *string
	MaxQty        *int
	NotifyAtCount *int
	ClearNotifyAt bool
}

// StockStore defines the persistence contract behind the stock ledger.
// Decrement and Increment are single atomic steps: the counter update and its
// movement record commit together or not at all.
type StockStore interface {
	// Decrement subtracts qty only if available_qty >= qty. On a failed guard
	// it returns a domain InsufficientStock error carrying the current level.
	Decrement(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error)
	// Increment adds qty, creating the row with defaults when missing.
	Increment(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error)
	FindMovement(ctx context.Context, ref, productID string, kind domain.MovementKind) (*domain.StockMovement, error)
	GetStock(ctx context.Context, productID string) (*domain.StockRecord, error)
	GetStocks(ctx context.Context, productIDs []string) (map[string]domain.StockRecord, error)
	ListStock(ctx context.Context) ([]domain.StockRecord, error)
	PutStock(ctx context.Context, productID string, upd StockUpdate) (domain.StockChange, *domain.StockRecord, error)
}

// OrderStore persists orders and their lines.
type OrderStore interface {
	// CreateOrder writes the header and all lines in one transaction.
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindOrderBySubmissionKey(ctx context.Context, key string) (*domain.Order, error)
	ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// CancelAndRelease moves a pending order to canceled and credits every
	// line back to stock in one transaction.
	CancelAndRelease(ctx context.Context, id uuid.UUID) (*domain.Order, []domain.StockChange, error)
}

// NotificationStore persists active notifications.
type NotificationStore interface {
	// InsertNotification returns false when an identical stock alert is
	// already active for the product.
	InsertNotification(ctx context.Context, ev *domain.NotificationEvent) (bool, error)
	DeleteNotifications(ctx context.Context, productID string, alert domain.StockAlert) (int, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) (bool, error)
	ListNotifications(ctx context.Context, limit int) ([]domain.NotificationEvent, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	StockStore
	OrderStore
	NotificationStore
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
