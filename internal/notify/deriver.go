package notify

import (
	"fmt"

	"stock-ledger/internal/domain"
)

// Alert is a stock notification derived from one ledger transition, before
// it is bound to a product and persisted.
type Alert struct {
	Kind    domain.StockAlert
	Message string
	Meta    domain.NotificationMeta
}

// Reconciliation says which active alerts no longer hold for a product.
type Reconciliation struct {
	ShouldClearLow bool
	ShouldClearOOS bool
}

// Derive returns the alerts raised by a single before->after transition.
// It is edge-triggered: out-of-stock fires only when the level reaches zero
// from above, low-stock only when it crosses down through a configured
// threshold and stays above zero, so a single transition raises at most one.
func Derive(before, after int, notifyAtCount *int, productName string) []Alert {
	alerts := make([]Alert, 0, 2)

	if before > 0 && after == 0 {
		alerts = append(alerts, Alert{
			Kind:    domain.AlertOutOfStock,
			Message: fmt.Sprintf("%s is out of stock", productName),
			Meta:    domain.NotificationMeta{Remaining: 0, Threshold: copyInt(notifyAtCount)},
		})
	}

	if t, ok := threshold(notifyAtCount); ok && before > t && after <= t && after > 0 {
		alerts = append(alerts, Alert{
			Kind:    domain.AlertLowStock,
			Message: fmt.Sprintf("%s is low on stock: %d left (threshold %d)", productName, after, t),
			Meta:    domain.NotificationMeta{Remaining: after, Threshold: domain.IntPtr(t)},
		})
	}

	return alerts
}

// Reconcile looks only at the current level. Low-stock clears once the
// level is above the threshold, out-of-stock once anything is available.
func Reconcile(rec domain.StockRecord) Reconciliation {
	r := Reconciliation{ShouldClearOOS: rec.AvailableQty > 0}
	if t, ok := rec.Threshold(); ok {
		r.ShouldClearLow = rec.AvailableQty > t
	}
	return r
}

func threshold(notifyAtCount *int) (int, bool) {
	if notifyAtCount == nil || *notifyAtCount <= 0 {
		return 0, false
	}
	return *notifyAtCount, true
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return domain.IntPtr(*v)
}
