package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotificationStock NotificationKind = "stock"
	NotificationOther NotificationKind = "other"
)

// StockAlert distinguishes the two stock notifications a product can carry.
type StockAlert string

const (
	AlertLowStock   StockAlert = "low_stock"
	AlertOutOfStock StockAlert = "out_of_stock"
)

type NotificationMeta struct {
	Remaining int  `json:"remaining"`
	Threshold *int `json:"threshold,omitempty"`
}

// NotificationEvent is an active alert. There is no resolved flag: a row
// exists while its condition holds and is deleted by reconciliation.
type NotificationEvent struct {
	ID        uuid.UUID
	ProductID *string
	Kind      NotificationKind
	Alert     StockAlert
	Message   string
	Meta      NotificationMeta
	CreatedAt time.Time
}

// NewStockNotification builds a stock alert for productID.
func NewStockNotification(productID string, alert StockAlert, message string, meta NotificationMeta) NotificationEvent {
	id := productID
	return NotificationEvent{
		ID:        uuid.New(),
		ProductID: &id,
		Kind:      NotificationStock,
		Alert:     alert,
		Message:   message,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
}
