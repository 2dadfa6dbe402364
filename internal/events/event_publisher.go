package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher defines the interface for publishing domain events
type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// Event type names, also sent as the Kafka "event-type" header.
const (
	TypeStockChanged        = "StockChanged"
	TypeOrderSubmitted      = "OrderSubmitted"
	TypeOrderCanceled       = "OrderCanceled"
	TypeOrderDelivered      = "OrderDelivered"
	TypeNotificationCreated = "NotificationCreated"
	TypeNotificationCleared = "NotificationCleared"
)

// StockChangedEvent is emitted for every applied counter mutation.
type StockChangedEvent struct {
	ProductID  string    `json:"productId"`
	Ref        string    `json:"ref,omitempty"`
	Before     int       `json:"before"`
	After      int       `json:"after"`
	OccurredAt time.Time `json:"occurredAt"`
}

type OrderLineEvent struct {
	ProductID  string `json:"productId"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"priceCents"`
}

type OrderSubmittedEvent struct {
	OrderID    uuid.UUID        `json:"orderId"`
	UserID     *string          `json:"userId,omitempty"`
	TotalCents int64            `json:"totalCents"`
	Lines      []OrderLineEvent `json:"lines"`
	OccurredAt time.Time        `json:"occurredAt"`
}

type OrderCanceledEvent struct {
	OrderID    uuid.UUID `json:"orderId"`
	Released   int       `json:"released"`
	OccurredAt time.Time `json:"occurredAt"`
}

type OrderDeliveredEvent struct {
	OrderID    uuid.UUID `json:"orderId"`
	OccurredAt time.Time `json:"occurredAt"`
}

type NotificationCreatedEvent struct {
	NotificationID uuid.UUID `json:"notificationId"`
	ProductID      string    `json:"productId,omitempty"`
	Kind           string    `json:"kind"`
	Alert          string    `json:"alert,omitempty"`
	Message        string    `json:"message"`
	OccurredAt     time.Time `json:"occurredAt"`
}

type NotificationClearedEvent struct {
	ProductID  string    `json:"productId"`
	Alert      string    `json:"alert"`
	OccurredAt time.Time `json:"occurredAt"`
}

// TypeOf returns the event type name, or "Unknown".
func TypeOf(event interface{}) string {
	switch event.(type) {
	case StockChangedEvent:
		return TypeStockChanged
	case OrderSubmittedEvent:
		return TypeOrderSubmitted
	case OrderCanceledEvent:
		return TypeOrderCanceled
	case OrderDeliveredEvent:
		return TypeOrderDelivered
	case NotificationCreatedEvent:
		return TypeNotificationCreated
	case NotificationClearedEvent:
		return TypeNotificationCleared
	default:
		return "Unknown"
	}
}

// InMemoryEventPublisher records events in process. It is the default when
// Kafka is disabled and doubles as a test recorder.
type InMemoryEventPublisher struct {
	logger *zap.Logger
	mu     sync.Mutex
	events []interface{}
	limit  int
}

func NewInMemoryEventPublisher(logger *zap.Logger) *InMemoryEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventPublisher{
		logger: logger,
		events: make([]interface{}, 0),
	}
}

// NewBoundedInMemoryEventPublisher keeps only the most recent limit events.
func NewBoundedInMemoryEventPublisher(logger *zap.Logger, limit int) *InMemoryEventPublisher {
	p := NewInMemoryEventPublisher(logger)
	p.limit = limit
	return p
}

func (p *InMemoryEventPublisher) Publish(ctx context.Context, event interface{}) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append(p.events[:0:0], p.events[len(p.events)-p.limit:]...)
	}
	p.mu.Unlock()
	p.logger.Debug("Event published (in-memory)", zap.String("event-type", TypeOf(event)), zap.Any("event", event))
	return nil
}

// Events returns a snapshot of everything published so far.
func (p *InMemoryEventPublisher) Events() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interface{}(nil), p.events...)
}

// OfType filters Events by type name.
func (p *InMemoryEventPublisher) OfType(name string) []interface{} {
	out := make([]interface{}, 0)
	for _, ev := range p.Events() {
		if TypeOf(ev) == name {
			out = append(out, ev)
		}
	}
	return out
}

func (p *InMemoryEventPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = make([]interface{}, 0)
}

// PublishQuietly publishes and logs a failure instead of returning it.
// Event delivery never decides the outcome of a stock or order operation.
func PublishQuietly(ctx context.Context, publisher EventPublisher, logger *zap.Logger, event interface{}) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish event",
			zap.String("event-type", TypeOf(event)),
			zap.Error(err),
		)
	}
}
