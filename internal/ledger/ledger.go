// Package ledger owns every mutation of a product's available quantity.
//
// Reserve and Release are single atomic store steps keyed by a caller ref.
// The store journals each applied step, so a retried call with the same ref
// returns the recorded change instead of applying the delta again. That is
// what makes the bounded retry here safe.
package ledger

import (
	"context"
	"errors"
	"time"

	"stock-ledger/internal/domain"
	"stock-ledger/internal/events"
	"stock-ledger/internal/store"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options tunes the bounded retry applied to Reserve and Release.
type Options struct {
	Retries int
	Backoff time.Duration
}

// SetOptions carries the optional fields of a stock-manager edit. Nil keeps
// the current value.
type SetOptions struct {
	Name          *string
	MaxQty        *int
	NotifyAtCount *int
	ClearNotifyAt bool
}

type Ledger struct {
	stock     store.StockStore
	orders    store.OrderStore
	publisher events.EventPublisher
	logger    *zap.Logger
	retry     *retrier.Retrier
}

func New(stock store.StockStore, orders store.OrderStore, publisher events.EventPublisher, logger *zap.Logger, opts Options) *Ledger {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 20 * time.Millisecond
	}
	return &Ledger{
		stock:     stock,
		orders:    orders,
		publisher: publisher,
		logger:    logger,
		retry: retrier.New(
			retrier.ExponentialBackoff(opts.Retries, opts.Backoff),
			retrier.WhitelistClassifier{domain.ErrStoreUnavailable},
		),
	}
}

// Reserve atomically subtracts qty from productID's available quantity.
func (l *Ledger) Reserve(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	if productID == "" {
		return domain.StockChange{}, domain.InvalidArgument("product id is required")
	}
	if qty <= 0 {
		return domain.StockChange{}, domain.InvalidArgument("reserve quantity must be positive, got %d", qty)
	}
	if qty > domain.MaxQuantity {
		return domain.StockChange{}, domain.InvalidArgument("reserve quantity must be at most %d, got %d", domain.MaxQuantity, qty)
	}

	var change domain.StockChange
	err := l.retry.RunCtx(ctx, func(ctx context.Context) error {
		var err error
		change, err = l.stock.Decrement(ctx, ref, productID, qty)
		return domain.WrapStore("reserve", err)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			l.logger.Debug("Reservation rejected",
				zap.String("product_id", productID),
				zap.Int("requested", qty),
				zap.Error(err),
			)
		}
		return domain.StockChange{}, err
	}

	if change.After != change.Before-qty || change.After < 0 {
		return domain.StockChange{}, l.violation("reserve", ref, qty, change)
	}
	l.publishChange(ctx, ref, change)
	return change, nil
}

// Release atomically adds qty back. A zero quantity is a no-op that reports
// the current level. There is no cap at MaxQty.
func (l *Ledger) Release(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	if productID == "" {
		return domain.StockChange{}, domain.InvalidArgument("product id is required")
	}
	if qty < 0 {
		return domain.StockChange{}, domain.InvalidArgument("release quantity must not be negative, got %d", qty)
	}
	if qty > domain.MaxQuantity {
		return domain.StockChange{}, domain.InvalidArgument("release quantity must be at most %d, got %d", domain.MaxQuantity, qty)
	}
	if qty == 0 {
		rec, err := l.Get(ctx, productID)
		if err != nil {
			return domain.StockChange{}, err
		}
		current := 0
		if rec != nil {
			current = rec.AvailableQty
		}
		return domain.StockChange{ProductID: productID, Before: current, After: current}, nil
	}

	var change domain.StockChange
	err := l.retry.RunCtx(ctx, func(ctx context.Context) error {
		var err error
		change, err = l.stock.Increment(ctx, ref, productID, qty)
		return domain.WrapStore("release", err)
	})
	if err != nil {
		return domain.StockChange{}, err
	}

	if change.After != change.Before+qty || change.After < 0 || change.After < change.Before {
		return domain.StockChange{}, l.violation("release", ref, qty, change)
	}
	l.publishChange(ctx, ref, change)
	return change, nil
}

// SetAvailable overwrites the available quantity. It is not retried: a
// manual edit is not idempotent against concurrent movements.
func (l *Ledger) SetAvailable(ctx context.Context, productID string, value int, opts SetOptions) (domain.StockChange, *domain.StockRecord, error) {
	if productID == "" {
		return domain.StockChange{}, nil, domain.InvalidArgument("product id is required")
	}
	if value < 0 || value > domain.MaxQuantity {
		return domain.StockChange{}, nil, domain.InvalidArgument("available quantity must be between 0 and %d, got %d", domain.MaxQuantity, value)
	}
	if opts.MaxQty != nil && (*opts.MaxQty < 0 || *opts.MaxQty > domain.MaxQuantity) {
		return domain.StockChange{}, nil, domain.InvalidArgument("max quantity must be between 0 and %d, got %d", domain.MaxQuantity, *opts.MaxQty)
	}
	if opts.NotifyAtCount != nil && (*opts.NotifyAtCount < 0 || *opts.NotifyAtCount > domain.MaxQuantity) {
		return domain.StockChange{}, nil, domain.InvalidArgument("notify-at count must be between 0 and %d, got %d", domain.MaxQuantity, *opts.NotifyAtCount)
	}

	change, rec, err := l.stock.PutStock(ctx, productID, store.StockUpdate{
		Available:     value,
		Name:          opts.Name,
		MaxQty:        opts.MaxQty,
		NotifyAtCount: opts.NotifyAtCount,
		ClearNotifyAt: opts.ClearNotifyAt,
	})
	if err = domain.WrapStore("set available", err); err != nil {
		return domain.StockChange{}, nil, err
	}

	l.logger.Info("Stock level set",
		zap.String("product_id", productID),
		zap.Int("before", change.Before),
		zap.Int("after", change.After),
	)
	if change.Changed() {
		l.publishChange(ctx, "", change)
	}
	return change, rec, nil
}

// Get returns nil, nil when the product has no stock row.
func (l *Ledger) Get(ctx context.Context, productID string) (*domain.StockRecord, error) {
	rec, err := l.stock.GetStock(ctx, productID)
	if err = domain.WrapStore("get", err); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetMany omits unknown products from the result.
func (l *Ledger) GetMany(ctx context.Context, productIDs []string) (map[string]domain.StockRecord, error) {
	recs, err := l.stock.GetStocks(ctx, productIDs)
	if err = domain.WrapStore("get many", err); err != nil {
		return nil, err
	}
	return recs, nil
}

func (l *Ledger) List(ctx context.Context) ([]domain.StockRecord, error) {
	recs, err := l.stock.ListStock(ctx)
	if err = domain.WrapStore("list", err); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReservationFor reports the reserve applied under ref, or nil if none was.
// It resolves ambiguous failures where the caller cannot tell whether the
// decrement committed.
func (l *Ledger) ReservationFor(ctx context.Context, ref, productID string) (*domain.StockMovement, error) {
	mv, err := l.stock.FindMovement(ctx, ref, productID, domain.MovementReserve)
	if err = domain.WrapStore("find reservation", err); err != nil {
		return nil, err
	}
	return mv, nil
}

// ReleaseOrder cancels a pending order and credits every line back in one
// store transaction. A second call fails with AlreadyTerminal, so an order's
// stock is never credited twice.
func (l *Ledger) ReleaseOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, []domain.StockChange, error) {
	order, changes, err := l.orders.CancelAndRelease(ctx, orderID)
	if err = domain.WrapStore("release order", err); err != nil {
		return nil, nil, err
	}

	ref := orderID.String()
	released := 0
	for _, change := range changes {
		released += change.Delta()
		l.publishChange(ctx, ref, change)
	}
	if released != order.TotalQty() {
		l.logger.Error("Consistency violation on order release",
			zap.String("order_id", ref),
			zap.Int("released", released),
			zap.Int("ordered", order.TotalQty()),
		)
		return order, changes, domain.ConsistencyViolation("order %s released %d units, lines total %d", ref, released, order.TotalQty())
	}
	return order, changes, nil
}

func (l *Ledger) publishChange(ctx context.Context, ref string, change domain.StockChange) {
	events.PublishQuietly(ctx, l.publisher, l.logger, events.StockChangedEvent{
		ProductID:  change.ProductID,
		Ref:        ref,
		Before:     change.Before,
		After:      change.After,
		OccurredAt: time.Now().UTC(),
	})
}

func (l *Ledger) violation(op, ref string, qty int, change domain.StockChange) error {
	l.logger.Error("Consistency violation",
		zap.String("op", op),
		zap.String("ref", ref),
		zap.String("product_id", change.ProductID),
		zap.Int("qty", qty),
		zap.Int("before", change.Before),
		zap.Int("after", change.After),
	)
	return domain.ConsistencyViolation("%s of %d on product %s went from %d to %d", op, qty, change.ProductID, change.Before, change.After)
}
