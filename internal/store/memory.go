package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"stock-ledger/internal/domain"

	"github.com/google/uuid"
)

type movementKey struct {
	ref       string
	productID string
	kind      domain.MovementKind
}

type alertKey struct {
	productID string
	alert     domain.StockAlert
}

// MemoryStore is an in-process Store. A single mutex makes every operation
// atomic, which gives it the same guarantees as the SQLite store.
type MemoryStore struct {
	mu            sync.Mutex
	stock         map[string]*domain.StockRecord
	movements     map[movementKey]domain.StockMovement
	orders        map[uuid.UUID]*domain.Order
	submissions   map[string]uuid.UUID
	notifications map[uuid.UUID]domain.NotificationEvent
	activeAlerts  map[alertKey]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock:         make(map[string]*domain.StockRecord),
		movements:     make(map[movementKey]domain.StockMovement),
		orders:        make(map[uuid.UUID]*domain.Order),
		submissions:   make(map[string]uuid.UUID),
		notifications: make(map[uuid.UUID]domain.NotificationEvent),
		activeAlerts:  make(map[alertKey]uuid.UUID),
	}
}

// Seed allows tests or bootstrap code to populate stock rows directly.
func (s *MemoryStore) Seed(rec domain.StockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.stock[rec.ProductID] = &rec
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Decrement(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := movementKey{ref, productID, domain.MovementReserve}
	if mv, ok := s.movements[key]; ok {
		return mv.Change(), mv.CheckReplay(qty)
	}

	rec, ok := s.stock[productID]
	if !ok {
		return domain.StockChange{}, domain.InsufficientStock(productID, 0, qty)
	}
	if rec.AvailableQty < qty {
		return domain.StockChange{}, domain.InsufficientStock(productID, rec.AvailableQty, qty)
	}

	change := domain.StockChange{ProductID: productID, Before: rec.AvailableQty, After: rec.AvailableQty - qty}
	rec.AvailableQty = change.After
	rec.UpdatedAt = time.Now().UTC()
	s.record(key, qty, change)
	return change, nil
}

func (s *MemoryStore) Increment(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := movementKey{ref, productID, domain.MovementRelease}
	if mv, ok := s.movements[key]; ok {
		return mv.Change(), mv.CheckReplay(qty)
	}
	if err := s.checkIncrementLocked(productID, qty); err != nil {
		return domain.StockChange{}, err
	}
	return s.incrementLocked(key, productID, qty), nil
}

func (s *MemoryStore) checkIncrementLocked(productID string, qty int) error {
	current := 0
	if rec, ok := s.stock[productID]; ok {
		current = rec.AvailableQty
	}
	return domain.CheckIncrement(productID, current, qty)
}

func (s *MemoryStore) incrementLocked(key movementKey, productID string, qty int) domain.StockChange {
	rec, ok := s.stock[productID]
	if !ok {
		rec = domain.NewStockRecord(productID)
		s.stock[productID] = rec
	}
	change := domain.StockChange{ProductID: productID, Before: rec.AvailableQty, After: rec.AvailableQty + qty}
	rec.AvailableQty = change.After
	rec.UpdatedAt = time.Now().UTC()
	s.record(key, qty, change)
	return change
}

func (s *MemoryStore) record(key movementKey, qty int, change domain.StockChange) {
	s.movements[key] = domain.StockMovement{
		ID:        uuid.New(),
		Ref:       key.ref,
		ProductID: key.productID,
		Kind:      key.kind,
		Qty:       qty,
		Before:    change.Before,
		After:     change.After,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *MemoryStore) FindMovement(ctx context.Context, ref, productID string, kind domain.MovementKind) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mv, ok := s.movements[movementKey{ref, productID, kind}]
	if !ok {
		return nil, nil
	}
	return &mv, nil
}

func (s *MemoryStore) GetStock(ctx context.Context, productID string) (*domain.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stock[productID]
	if !ok {
		return nil, nil
	}
	c := copyRecord(*rec)
	return &c, nil
}

func (s *MemoryStore) GetStocks(ctx context.Context, productIDs []string) (map[string]domain.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.StockRecord, len(productIDs))
	for _, id := range productIDs {
		if rec, ok := s.stock[id]; ok {
			out[id] = copyRecord(*rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStock(ctx context.Context) ([]domain.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StockRecord, 0, len(s.stock))
	for _, rec := range s.stock {
		out = append(out, copyRecord(*rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *MemoryStore) PutStock(ctx context.Context, productID string, upd StockUpdate) (domain.StockChange, *domain.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stock[productID]
	if !ok {
		rec = domain.NewStockRecord(productID)
		s.stock[productID] = rec
	}
	change := domain.StockChange{ProductID: productID, Before: rec.AvailableQty, After: upd.Available}
	rec.AvailableQty = upd.Available
	if upd.Name != nil {
		rec.Name = *upd.Name
	}
	if upd.MaxQty != nil {
		rec.MaxQty = *upd.MaxQty
	}
	if upd.ClearNotifyAt {
		rec.NotifyAtCount = nil
	} else if upd.NotifyAtCount != nil {
		rec.NotifyAtCount = domain.IntPtr(*upd.NotifyAtCount)
	}
	rec.UpdatedAt = time.Now().UTC()
	s.record(movementKey{uuid.NewString(), productID, domain.MovementSet}, upd.Available, change)

	c := copyRecord(*rec)
	return change, &c, nil
}

func (s *MemoryStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.SubmissionKey != "" {
		if _, taken := s.submissions[order.SubmissionKey]; taken {
			return domain.ErrDuplicateSubmission
		}
		s.submissions[order.SubmissionKey] = order.ID
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, domain.NotFound("order", id.String())
	}
	return order.Clone(), nil
}

func (s *MemoryStore) FindOrderBySubmissionKey(ctx context.Context, key string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.submissions[key]
	if !ok {
		return nil, nil
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0)
	for _, o := range s.orders {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, domain.NotFound("order", id.String())
	}
	if err := order.Deliver(); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

func (s *MemoryStore) CancelAndRelease(ctx context.Context, id uuid.UUID) (*domain.Order, []domain.StockChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, nil, domain.NotFound("order", id.String())
	}
	if order.Status != domain.OrderPending {
		return nil, nil, domain.AlreadyTerminal(order.ID.String(), order.Status)
	}
	ref := order.ID.String()
	for _, line := range order.Lines {
		if _, done := s.movements[movementKey{ref, line.ProductID, domain.MovementRelease}]; done {
			continue
		}
		if err := s.checkIncrementLocked(line.ProductID, line.Qty); err != nil {
			return nil, nil, err
		}
	}
	if err := order.Cancel(); err != nil {
		return nil, nil, err
	}
	changes := make([]domain.StockChange, 0, len(order.Lines))
	for _, line := range order.Lines {
		key := movementKey{ref, line.ProductID, domain.MovementRelease}
		if mv, done := s.movements[key]; done {
			changes = append(changes, mv.Change())
			continue
		}
		changes = append(changes, s.incrementLocked(key, line.ProductID, line.Qty))
	}
	return order.Clone(), changes, nil
}

func (s *MemoryStore) InsertNotification(ctx context.Context, ev *domain.NotificationEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Kind == domain.NotificationStock && ev.ProductID != nil {
		key := alertKey{*ev.ProductID, ev.Alert}
		if _, active := s.activeAlerts[key]; active {
			return false, nil
		}
		s.activeAlerts[key] = ev.ID
	}
	s.notifications[ev.ID] = *ev
	return true, nil
}

func (s *MemoryStore) DeleteNotifications(ctx context.Context, productID string, alert domain.StockAlert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey{productID, alert}
	id, ok := s.activeAlerts[key]
	if !ok {
		return 0, nil
	}
	delete(s.activeAlerts, key)
	delete(s.notifications, id)
	return 1, nil
}

func (s *MemoryStore) DeleteNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.notifications[id]
	if !ok {
		return false, nil
	}
	if ev.Kind == domain.NotificationStock && ev.ProductID != nil {
		delete(s.activeAlerts, alertKey{*ev.ProductID, ev.Alert})
	}
	delete(s.notifications, id)
	return true, nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.NotificationEvent, 0, len(s.notifications))
	for _, ev := range s.notifications {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRecord(rec domain.StockRecord) domain.StockRecord {
	if rec.NotifyAtCount != nil {
		rec.NotifyAtCount = domain.IntPtr(*rec.NotifyAtCount)
	}
	return rec
}
