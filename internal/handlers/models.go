package handlers

import (
	"time"

	"stock-ledger/internal/domain"

	"github.com/google/uuid"
)

// StockResponse is one product's ledger row.
// @Description Current stock for a product
type StockResponse struct {
	ProductID     string    `json:"productId" example:"SKU-001"`
	Name          string    `json:"name" example:"Espresso beans 1kg"`
	MaxQty        int       `json:"maxQty" example:"100"`
	AvailableQty  int       `json:"availableQty" example:"42"`
	NotifyAtCount *int      `json:"notifyAtCount,omitempty" example:"5"`
	UpdatedAt     time.Time `json:"updatedAt" example:"2024-01-15T10:30:00Z"`
}

type StockListResponse struct {
	Items []StockResponse `json:"items"`
	Total int             `json:"total" example:"1"`
}

// SetStockRequest overwrites the available quantity. Omitted optional fields
// keep their current value.
// @Description Stock-manager edit of a product's stock
type SetStockRequest struct {
	AvailableQty  *int    `json:"availableQty" binding:"required,min=0,max=1000000000" example:"50"`
	Name          *string `json:"name,omitempty" example:"Espresso beans 1kg"`
	MaxQty        *int    `json:"maxQty,omitempty" binding:"omitempty,min=0,max=1000000000" example:"100"`
	NotifyAtCount *int    `json:"notifyAtCount,omitempty" binding:"omitempty,min=0,max=1000000000" example:"5"`
	// Removes the low-stock threshold
	ClearNotifyAt bool `json:"clearNotifyAt,omitempty" example:"false"`
}

// MovementRequest is an ad-hoc reserve or release.
// @Description Quantity to reserve or release
type MovementRequest struct {
	Qty int `json:"qty" binding:"required,min=1,max=1000000000" example:"2"`
}

// StockChangeResponse reports an applied ledger mutation.
type StockChangeResponse struct {
	ProductID     string                 `json:"productId" example:"SKU-001"`
	Before        int                    `json:"before" example:"10"`
	After         int                    `json:"after" example:"8"`
	Ref           string                 `json:"ref,omitempty" example:"550e8400-e29b-41d4-a716-446655440000"`
	Notifications []NotificationResponse `json:"notifications,omitempty"`
}

type OrderLineRequest struct {
	ProductID  string `json:"productId" binding:"required" example:"SKU-001"`
	Qty        int    `json:"qty" binding:"required,min=1,max=1000000000" example:"2"`
	PriceCents int64  `json:"priceCents" binding:"min=0,max=1000000000" example:"1299"`
}

// SubmitOrderRequest is a billing submission. X-Request-ID doubles as the
// submission key: resubmitting with the same header returns the same order.
// @Description Order submission
type SubmitOrderRequest struct {
	// Customer the order is billed to; omit for counter sales
	UserID *string            `json:"userId,omitempty" example:"customer-17"`
	Lines  []OrderLineRequest `json:"lines" binding:"required,min=1,dive"`
}

type OrderLineResponse struct {
	ProductID  string `json:"productId" example:"SKU-001"`
	Qty        int    `json:"qty" example:"2"`
	PriceCents int64  `json:"priceCents" example:"1299"`
}

type OrderResponse struct {
	ID            uuid.UUID           `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	UserID        *string             `json:"userId,omitempty" example:"customer-17"`
	Status        string              `json:"status" example:"pending"`
	TotalCents    int64               `json:"totalCents" example:"2598"`
	SubmissionKey string              `json:"submissionKey,omitempty"`
	Lines         []OrderLineResponse `json:"lines"`
	CreatedAt     time.Time           `json:"createdAt" example:"2024-01-15T10:30:00Z"`
	UpdatedAt     time.Time           `json:"updatedAt" example:"2024-01-15T10:30:00Z"`
}

type OrderListResponse struct {
	Items []OrderResponse `json:"items"`
	Total int             `json:"total" example:"1"`
}

type NotificationResponse struct {
	ID        uuid.UUID `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	ProductID *string   `json:"productId,omitempty" example:"SKU-001"`
	Kind      string    `json:"kind" example:"stock"`
	Alert     string    `json:"alert,omitempty" example:"low_stock"`
	Message   string    `json:"message" example:"Espresso beans 1kg is low on stock: 3 left (threshold 5)"`
	Remaining *int      `json:"remaining,omitempty" example:"3"`
	Threshold *int      `json:"threshold,omitempty" example:"5"`
	CreatedAt time.Time `json:"createdAt" example:"2024-01-15T10:30:00Z"`
}

type NotificationListResponse struct {
	Items []NotificationResponse `json:"items"`
	Total int                    `json:"total" example:"1"`
}

// CreateNotificationRequest records a free-form staff notification.
type CreateNotificationRequest struct {
	Message   string  `json:"message" binding:"required" example:"Supplier delivery delayed to Friday"`
	ProductID *string `json:"productId,omitempty" example:"SKU-001"`
}

func toStockResponse(rec domain.StockRecord) StockResponse {
	return StockResponse{
		ProductID:     rec.ProductID,
		Name:          rec.Name,
		MaxQty:        rec.MaxQty,
		AvailableQty:  rec.AvailableQty,
		NotifyAtCount: rec.NotifyAtCount,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func toOrderResponse(o *domain.Order) OrderResponse {
	lines := make([]OrderLineResponse, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, OrderLineResponse{ProductID: l.ProductID, Qty: l.Qty, PriceCents: l.PriceCents})
	}
	return OrderResponse{
		ID:            o.ID,
		UserID:        o.UserID,
		Status:        string(o.Status),
		TotalCents:    o.TotalCents,
		SubmissionKey: o.SubmissionKey,
		Lines:         lines,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func toNotificationResponse(n domain.NotificationEvent) NotificationResponse {
	resp := NotificationResponse{
		ID:        n.ID,
		ProductID: n.ProductID,
		Kind:      string(n.Kind),
		Alert:     string(n.Alert),
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}
	if n.Kind == domain.NotificationStock {
		remaining := n.Meta.Remaining
		resp.Remaining = &remaining
		resp.Threshold = n.Meta.Threshold
	}
	return resp
}

func toNotificationResponses(in []domain.NotificationEvent) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(in))
	for _, n := range in {
		out = append(out, toNotificationResponse(n))
	}
	return out
}
