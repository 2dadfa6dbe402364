// Package orders runs order submission as a saga over the stock ledger:
// reserve every line, persist the order, and release what was reserved when
// a later step fails.
package orders

import (
	"context"
	"errors"
	"math"
	"time"

	"stock-ledger/internal/domain"
	"stock-ledger/internal/events"
	"stock-ledger/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StockLedger is the part of the ledger the orchestrator drives.
type StockLedger interface {
	Reserve(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error)
	Release(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error)
	ReservationFor(ctx context.Context, ref, productID string) (*domain.StockMovement, error)
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.StockRecord, error)
	ReleaseOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, []domain.StockChange, error)
}

// Notifier derives and reconciles stock alerts after ledger changes.
type Notifier interface {
	Apply(ctx context.Context, rec domain.StockRecord, change domain.StockChange) ([]domain.NotificationEvent, error)
	ReconcileProduct(ctx context.Context, productID string) (int, error)
}

type LineRequest struct {
	ProductID  string
	Qty        int
	PriceCents int64
}

// SubmitRequest is a billing submission. A non-empty SubmissionKey makes the
// submission idempotent: a repeat returns the order already created for it.
type SubmitRequest struct {
	UserID        *string
	SubmissionKey string
	Lines         []LineRequest
}

type Orchestrator struct {
	ledger    StockLedger
	orders    store.OrderStore
	notifier  Notifier
	publisher events.EventPublisher
	logger    *zap.Logger
}

func NewOrchestrator(ledger StockLedger, orders store.OrderStore, notifier Notifier, publisher events.EventPublisher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:    ledger,
		orders:    orders,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
	}
}

// reservation is a line whose stock has been taken under the order's ref.
type reservation struct {
	productID string
	qty       int
	change    domain.StockChange
}

// Submit reserves every line in product order and persists the order. On
// any failure the reservations already made are released before it returns,
// even if ctx is canceled meanwhile.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return nil, err
	}

	if req.SubmissionKey != "" {
		existing, err := o.orders.FindOrderBySubmissionKey(ctx, req.SubmissionKey)
		if err != nil {
			return nil, domain.WrapStore("find order", err)
		}
		if existing != nil {
			o.logger.Info("Submission replayed",
				zap.String("submission_key", req.SubmissionKey),
				zap.String("order_id", existing.ID.String()),
			)
			return existing, nil
		}
	}

	order := domain.NewOrder(req.UserID, req.SubmissionKey, lines)
	ref := order.ID.String()
	reserved := make([]reservation, 0, len(order.Lines))

	for _, line := range order.Lines {
		change, err := o.ledger.Reserve(ctx, ref, line.ProductID, line.Qty)
		if err == nil {
			reserved = append(reserved, reservation{line.ProductID, line.Qty, change})
			continue
		}

		if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrInvalidArgument) {
			o.logger.Info("Order rejected",
				zap.String("order_id", ref),
				zap.String("product_id", line.ProductID),
				zap.Error(err),
			)
			return nil, withCompensation(domain.OrderFailed(err), o.compensate(ctx, ref, reserved))
		}

		// The reserve may have committed without us hearing about it. Only
		// the movement journal can tell.
		reserved = o.resolveAmbiguous(ctx, ref, line, reserved, err)
		return nil, withCompensation(err, o.compensate(ctx, ref, reserved))
	}

	if err := o.persist(ctx, order); err != nil {
		if errors.Is(err, domain.ErrDuplicateSubmission) {
			// Lost a race with an identical submission: hand back the winner.
			if compErr := o.compensate(ctx, ref, reserved); compErr != nil {
				return nil, compErr
			}
			existing, findErr := o.orders.FindOrderBySubmissionKey(context.WithoutCancel(ctx), req.SubmissionKey)
			if findErr != nil || existing == nil {
				return nil, domain.WrapStore("find order", errors.Join(err, findErr))
			}
			return existing, nil
		}
		return nil, withCompensation(err, o.compensate(ctx, ref, reserved))
	}

	// The order is committed; follow-up work must not depend on the caller.
	detached := context.WithoutCancel(ctx)
	o.deriveNotifications(detached, reserved)

	o.logger.Info("Order submitted",
		zap.String("order_id", ref),
		zap.Int("lines", len(order.Lines)),
		zap.Int64("total_cents", order.TotalCents),
	)
	events.PublishQuietly(detached, o.publisher, o.logger, orderSubmittedEvent(order))
	return order, nil
}

// persist writes the order. When the write reports an error that might hide
// a commit, the order is looked up before the caller compensates.
func (o *Orchestrator) persist(ctx context.Context, order *domain.Order) error {
	err := o.orders.CreateOrder(ctx, order)
	if err == nil || errors.Is(err, domain.ErrDuplicateSubmission) {
		return err
	}
	if existing, getErr := o.orders.GetOrder(context.WithoutCancel(ctx), order.ID); getErr == nil && existing != nil {
		o.logger.Warn("Order write reported failure but committed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return nil
	}
	return domain.WrapStore("create order", err)
}

func (o *Orchestrator) resolveAmbiguous(ctx context.Context, ref string, line domain.OrderLine, reserved []reservation, cause error) []reservation {
	mv, err := o.ledger.ReservationFor(context.WithoutCancel(ctx), ref, line.ProductID)
	switch {
	case err != nil:
		o.logger.Error("Reservation state unknown, not compensating line",
			zap.String("order_id", ref),
			zap.String("product_id", line.ProductID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	case mv != nil:
		reserved = append(reserved, reservation{line.ProductID, line.Qty, mv.Change()})
	}
	return reserved
}

// compensate releases every reservation in reverse order. It ignores ctx
// cancellation so a client disconnect cannot leave stock taken.
func (o *Orchestrator) compensate(ctx context.Context, ref string, reserved []reservation) error {
	if len(reserved) == 0 {
		return nil
	}
	detached := context.WithoutCancel(ctx)

	var errs []error
	for i := len(reserved) - 1; i >= 0; i-- {
		r := reserved[i]
		if _, err := o.ledger.Release(detached, ref, r.productID, r.qty); err != nil {
			o.logger.Error("Compensating release failed",
				zap.String("order_id", ref),
				zap.String("product_id", r.productID),
				zap.Int("qty", r.qty),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return domain.ConsistencyViolation("order %s: %d of %d compensating releases failed: %v",
			ref, len(errs), len(reserved), errors.Join(errs...))
	}

	o.logger.Info("Reservations compensated",
		zap.String("order_id", ref),
		zap.Int("lines", len(reserved)),
	)
	return nil
}

func (o *Orchestrator) deriveNotifications(ctx context.Context, reserved []reservation) {
	ids := make([]string, 0, len(reserved))
	for _, r := range reserved {
		ids = append(ids, r.productID)
	}
	recs, err := o.ledger.GetMany(ctx, ids)
	if err != nil {
		o.logger.Warn("Failed to load stock for notifications", zap.Error(err))
		recs = map[string]domain.StockRecord{}
	}

	for _, r := range reserved {
		rec, ok := recs[r.productID]
		if !ok {
			rec = *domain.NewStockRecord(r.productID)
		}
		if _, err := o.notifier.Apply(ctx, rec, r.change); err != nil {
			o.logger.Warn("Failed to derive stock notifications",
				zap.String("product_id", r.productID),
				zap.Error(err),
			)
		}
	}
}

// Cancel releases the order's stock and marks it canceled in one step, then
// clears alerts the restock made stale. Exactly one of several concurrent
// cancels succeeds; the rest get AlreadyTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, changes, err := o.ledger.ReleaseOrder(ctx, orderID)
	if order == nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	released := 0
	for _, change := range changes {
		released += change.Delta()
		if _, rerr := o.notifier.ReconcileProduct(detached, change.ProductID); rerr != nil {
			o.logger.Warn("Failed to reconcile stock notifications",
				zap.String("product_id", change.ProductID),
				zap.Error(rerr),
			)
		}
	}
	if err != nil {
		return order, err
	}

	o.logger.Info("Order canceled",
		zap.String("order_id", orderID.String()),
		zap.Int("released", released),
	)
	events.PublishQuietly(detached, o.publisher, o.logger, events.OrderCanceledEvent{
		OrderID:    orderID,
		Released:   released,
		OccurredAt: time.Now().UTC(),
	})
	return order, nil
}

// Deliver closes a pending order. Stock was taken at submission, so the
// ledger is not touched.
func (o *Orchestrator) Deliver(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := o.orders.MarkDelivered(ctx, orderID)
	if err != nil {
		return nil, domain.WrapStore("deliver order", err)
	}

	o.logger.Info("Order delivered", zap.String("order_id", orderID.String()))
	events.PublishQuietly(context.WithoutCancel(ctx), o.publisher, o.logger, events.OrderDeliveredEvent{
		OrderID:    orderID,
		OccurredAt: time.Now().UTC(),
	})
	return order, nil
}

func (o *Orchestrator) Get(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := o.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, domain.WrapStore("get order", err)
	}
	return order, nil
}

// List returns recent orders, optionally filtered by status.
func (o *Orchestrator) List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if status != "" && !status.Valid() {
		return nil, domain.InvalidArgument("unknown order status %q", status)
	}
	orders, err := o.orders.ListOrders(ctx, status, limit)
	if err != nil {
		return nil, domain.WrapStore("list orders", err)
	}
	return orders, nil
}

// withCompensation reports cause, plus the compensation failure if any.
func withCompensation(cause, compErr error) error {
	if compErr == nil {
		return cause
	}
	return errors.Join(cause, compErr)
}

// normalizeLines validates the request and merges repeated products.
func normalizeLines(in []LineRequest) ([]domain.OrderLine, error) {
	if len(in) == 0 {
		return nil, domain.InvalidArgument("order must have at least one line")
	}

	merged := make(map[string]int, len(in))
	lines := make([]domain.OrderLine, 0, len(in))
	for i, l := range in {
		switch {
		case l.ProductID == "":
			return nil, domain.InvalidArgument("line %d: product id is required", i)
		case l.Qty <= 0 || l.Qty > domain.MaxQuantity:
			return nil, domain.InvalidArgument("line %d: quantity must be between 1 and %d, got %d", i, domain.MaxQuantity, l.Qty)
		case l.PriceCents < 0 || l.PriceCents > domain.MaxPriceCents:
			return nil, domain.InvalidArgument("line %d: price must be between 0 and %d, got %d", i, domain.MaxPriceCents, l.PriceCents)
		}

		if idx, seen := merged[l.ProductID]; seen {
			if lines[idx].PriceCents != l.PriceCents {
				return nil, domain.InvalidArgument("product %s appears with different prices", l.ProductID)
			}
			if lines[idx].Qty > domain.MaxQuantity-l.Qty {
				return nil, domain.InvalidArgument("product %s: combined quantity exceeds %d", l.ProductID, domain.MaxQuantity)
			}
			lines[idx].Qty += l.Qty
			continue
		}
		merged[l.ProductID] = len(lines)
		lines = append(lines, domain.OrderLine{ProductID: l.ProductID, Qty: l.Qty, PriceCents: l.PriceCents})
	}

	var total int64
	for _, l := range lines {
		sub := int64(l.Qty) * l.PriceCents
		if total > math.MaxInt64-sub {
			return nil, domain.InvalidArgument("order total is too large")
		}
		total += sub
	}
	return lines, nil
}

func orderSubmittedEvent(order *domain.Order) events.OrderSubmittedEvent {
	lines := make([]events.OrderLineEvent, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, events.OrderLineEvent{ProductID: l.ProductID, Qty: l.Qty, PriceCents: l.PriceCents})
	}
	return events.OrderSubmittedEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		TotalCents: order.TotalCents,
		Lines:      lines,
		OccurredAt: order.CreatedAt,
	}
}
