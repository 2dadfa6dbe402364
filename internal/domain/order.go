package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderDelivered OrderStatus = "delivered"
	OrderCanceled  OrderStatus = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCanceled
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderDelivered, OrderCanceled:
		return true
	}
	return false
}

// Order is the aggregate header. UserID is nil for anonymous or counter sales.
type Order struct {
	ID            uuid.UUID
	UserID        *string
	Status        OrderStatus
	TotalCents    int64
	SubmissionKey string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Lines         []OrderLine
}

// MaxPriceCents bounds a line's unit price; with MaxQuantity it keeps a line
// total inside int64.
const MaxPriceCents int64 = 1_000_000_000

// OrderLine is one (order, product) pair. PriceCents is the snapshot taken at
// order time.
type OrderLine struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	ProductID  string
	Qty        int
	PriceCents int64
}

// NewOrder builds a pending order. Lines are sorted by product id so that
// reservations always happen in the same order across concurrent submissions.
func NewOrder(userID *string, submissionKey string, lines []OrderLine) *Order {
	now := time.Now().UTC()
	order := &Order{
		ID:            uuid.New(),
		UserID:        userID,
		Status:        OrderPending,
		SubmissionKey: submissionKey,
		CreatedAt:     now,
		UpdatedAt:     now,
		Lines:         make([]OrderLine, 0, len(lines)),
	}
	for _, l := range lines {
		l.ID = uuid.New()
		l.OrderID = order.ID
		order.Lines = append(order.Lines, l)
		order.TotalCents += int64(l.Qty) * l.PriceCents
	}
	sort.Slice(order.Lines, func(i, j int) bool {
		return order.Lines[i].ProductID < order.Lines[j].ProductID
	})
	return order
}

// TotalQty is the sum of line quantities.
func (o *Order) TotalQty() int {
	total := 0
	for _, l := range o.Lines {
		total += l.Qty
	}
	return total
}

// Deliver moves a pending order to delivered.
func (o *Order) Deliver() error {
	if o.Status != OrderPending {
		return AlreadyTerminal(o.ID.String(), o.Status)
	}
	o.Status = OrderDelivered
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel moves a pending order to canceled.
func (o *Order) Cancel() error {
	if o.Status != OrderPending {
		return AlreadyTerminal(o.ID.String(), o.Status)
	}
	o.Status = OrderCanceled
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy, used by stores that hand out snapshots.
func (o *Order) Clone() *Order {
	c := *o
	if o.UserID != nil {
		u := *o.UserID
		c.UserID = &u
	}
	c.Lines = append([]OrderLine(nil), o.Lines...)
	return &c
}
