package domain

import (
	"time"

	"github.com/google/uuid"
)

// StockRecord is the ledger row for one product. AvailableQty is the shared
// counter; it is only ever changed through the ledger's atomic operations.
type StockRecord struct {
	ProductID     string
	Name          string
	MaxQty        int
	AvailableQty  int
	NotifyAtCount *int
	UpdatedAt     time.Time
}

// MaxQuantity bounds every stored quantity so level arithmetic cannot
// overflow.
const MaxQuantity = 1_000_000_000

// CheckIncrement rejects adding qty to current when the result would pass
// MaxQuantity.
func CheckIncrement(productID string, current, qty int) error {
	if qty > MaxQuantity-current {
		return InvalidArgument("releasing %d on product %s would exceed the maximum level %d (available %d)", qty, productID, MaxQuantity, current)
	}
	return nil
}

// NewStockRecord returns the lazily created default row for a product.
func NewStockRecord(productID string) *StockRecord {
	return &StockRecord{
		ProductID:    productID,
		MaxQty:       0,
		AvailableQty: 0,
		UpdatedAt:    time.Now().UTC(),
	}
}

// Threshold returns the configured low-stock threshold. A nil or zero
// NotifyAtCount means only out-of-stock alerting applies.
func (r StockRecord) Threshold() (int, bool) {
	if r.NotifyAtCount == nil || *r.NotifyAtCount <= 0 {
		return 0, false
	}
	return *r.NotifyAtCount, true
}

// DisplayName is the name used in notification messages.
func (r StockRecord) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ProductID
}

// StockChange is the before/after pair produced by one ledger mutation.
type StockChange struct {
	ProductID string
	Before    int
	After     int
}

// Changed reports whether the mutation moved the counter.
func (c StockChange) Changed() bool {
	return c.Before != c.After
}

// Delta is After - Before.
func (c StockChange) Delta() int {
	return c.After - c.Before
}

type MovementKind string

const (
	MovementReserve MovementKind = "reserve"
	MovementRelease MovementKind = "release"
	MovementSet     MovementKind = "set"
)

// StockMovement is the journal entry written in the same transaction as a
// counter update. (Ref, ProductID, Kind) is unique, which makes replays of the
// same reservation or release return the recorded result instead of applying
// the delta twice.
type StockMovement struct {
	ID        uuid.UUID
	Ref       string
	ProductID string
	Kind      MovementKind
	Qty       int
	Before    int
	After     int
	CreatedAt time.Time
}

// Change returns the recorded before/after pair.
func (m StockMovement) Change() StockChange {
	return StockChange{ProductID: m.ProductID, Before: m.Before, After: m.After}
}

// CheckReplay rejects a journaled ref reused for a different quantity.
func (m StockMovement) CheckReplay(qty int) error {
	if m.Qty != qty {
		return InvalidArgument("ref %s already recorded a %s of %d on product %s, got %d", m.Ref, m.Kind, m.Qty, m.ProductID, qty)
	}
	return nil
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int {
	return &v
}
