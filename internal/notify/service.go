package notify

import (
	"context"
	"time"

	"stock-ledger/internal/domain"
	"stock-ledger/internal/events"
	"stock-ledger/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StockReader is the read side of the ledger the service reconciles against.
type StockReader interface {
	GetStock(ctx context.Context, productID string) (*domain.StockRecord, error)
	ListStock(ctx context.Context) ([]domain.StockRecord, error)
}

// Service persists derived alerts and clears stale ones.
type Service struct {
	notifications store.NotificationStore
	stock         StockReader
	publisher     events.EventPublisher
	logger        *zap.Logger
}

// SweepResult summarises a reconciliation pass over every product.
type SweepResult struct {
	Products int
	Cleared  int
}

func NewService(notifications store.NotificationStore, stock StockReader, publisher events.EventPublisher, logger *zap.Logger) *Service {
	return &Service{
		notifications: notifications,
		stock:         stock,
		publisher:     publisher,
		logger:        logger,
	}
}

// Apply handles one applied ledger change for rec: it raises the alerts the
// transition derives, then reconciles the product against its current level
// so an alert raised just after a concurrent restock does not linger.
func (s *Service) Apply(ctx context.Context, rec domain.StockRecord, change domain.StockChange) ([]domain.NotificationEvent, error) {
	created := make([]domain.NotificationEvent, 0)
	if change.Changed() {
		for _, alert := range Derive(change.Before, change.After, rec.NotifyAtCount, rec.DisplayName()) {
			ev := domain.NewStockNotification(rec.ProductID, alert.Kind, alert.Message, alert.Meta)
			inserted, err := s.notifications.InsertNotification(ctx, &ev)
			if err != nil {
				return created, domain.WrapStore("insert notification", err)
			}
			if !inserted {
				s.logger.Debug("Stock alert already active",
					zap.String("product_id", rec.ProductID),
					zap.String("alert", string(alert.Kind)),
				)
				continue
			}
			created = append(created, ev)
			s.publishCreated(ctx, ev)
		}
	}

	if _, err := s.ReconcileProduct(ctx, rec.ProductID); err != nil {
		return created, err
	}
	return created, nil
}

// ReconcileProduct clears the product's stale alerts and returns how many
// were deleted. Calling it again without a stock change deletes nothing.
func (s *Service) ReconcileProduct(ctx context.Context, productID string) (int, error) {
	rec, err := s.stock.GetStock(ctx, productID)
	if err != nil {
		return 0, domain.WrapStore("get stock", err)
	}
	if rec == nil {
		rec = domain.NewStockRecord(productID)
	}
	return s.reconcile(ctx, *rec)
}

// Sweep reconciles every product. It backs the periodic job.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	recs, err := s.stock.ListStock(ctx)
	if err != nil {
		return SweepResult{}, domain.WrapStore("list stock", err)
	}

	result := SweepResult{Products: len(recs)}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, err := s.reconcile(ctx, rec)
		if err != nil {
			return result, err
		}
		result.Cleared += n
	}

	s.logger.Info("Reconciliation sweep finished",
		zap.Int("products", result.Products),
		zap.Int("cleared", result.Cleared),
	)
	return result, nil
}

func (s *Service) reconcile(ctx context.Context, rec domain.StockRecord) (int, error) {
	r := Reconcile(rec)
	cleared := 0
	for _, c := range []struct {
		clear bool
		alert domain.StockAlert
	}{
		{r.ShouldClearLow, domain.AlertLowStock},
		{r.ShouldClearOOS, domain.AlertOutOfStock},
	} {
		if !c.clear {
			continue
		}
		n, err := s.notifications.DeleteNotifications(ctx, rec.ProductID, c.alert)
		if err != nil {
			return cleared, domain.WrapStore("clear notifications", err)
		}
		if n == 0 {
			continue
		}
		cleared += n
		events.PublishQuietly(ctx, s.publisher, s.logger, events.NotificationClearedEvent{
			ProductID:  rec.ProductID,
			Alert:      string(c.alert),
			OccurredAt: time.Now().UTC(),
		})
	}
	return cleared, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	list, err := s.notifications.ListNotifications(ctx, limit)
	if err != nil {
		return nil, domain.WrapStore("list notifications", err)
	}
	return list, nil
}

// Dismiss deletes one notification by id.
func (s *Service) Dismiss(ctx context.Context, id uuid.UUID) error {
	deleted, err := s.notifications.DeleteNotification(ctx, id)
	if err != nil {
		return domain.WrapStore("dismiss notification", err)
	}
	if !deleted {
		return domain.NotFound("notification", id.String())
	}
	return nil
}

// Create records a free-form notification of kind "other".
func (s *Service) Create(ctx context.Context, message string, productID *string) (*domain.NotificationEvent, error) {
	if message == "" {
		return nil, domain.InvalidArgument("message is required")
	}
	ev := domain.NotificationEvent{
		ID:        uuid.New(),
		ProductID: productID,
		Kind:      domain.NotificationOther,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.notifications.InsertNotification(ctx, &ev); err != nil {
		return nil, domain.WrapStore("create notification", err)
	}
	s.publishCreated(ctx, ev)
	return &ev, nil
}

func (s *Service) publishCreated(ctx context.Context, ev domain.NotificationEvent) {
	productID := ""
	if ev.ProductID != nil {
		productID = *ev.ProductID
	}
	events.PublishQuietly(ctx, s.publisher, s.logger, events.NotificationCreatedEvent{
		NotificationID: ev.ID,
		ProductID:      productID,
		Kind:           string(ev.Kind),
		Alert:          string(ev.Alert),
		Message:        ev.Message,
		OccurredAt:     ev.CreatedAt,
	})
}
