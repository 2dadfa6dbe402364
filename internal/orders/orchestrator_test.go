package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"stock-ledger/internal/domain"
	"stock-ledger/internal/events"
	"stock-ledger/internal/ledger"
	"stock-ledger/internal/notify"
	"stock-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store    *store.MemoryStore
	ledger   *ledger.Ledger
	notifier *notify.Service
	events   *events.InMemoryEventPublisher
	orch     *Orchestrator
}

func newFixture(recs ...domain.StockRecord) *fixture {
	st := store.NewMemoryStore()
	for _, r := range recs {
		st.Seed(r)
	}
	logger := zap.NewNop()
	pub := events.NewInMemoryEventPublisher(logger)
	l := ledger.New(st, st, pub, logger, ledger.Options{Retries: 1, Backoff: time.Millisecond})
	n := notify.NewService(st, st, pub, logger)
	return &fixture{
		store:    st,
		ledger:   l,
		notifier: n,
		events:   pub,
		orch:     NewOrchestrator(l, st, n, pub, logger),
	}
}

func (f *fixture) available(t *testing.T, productID string) int {
	t.Helper()
	rec, err := f.ledger.Get(context.Background(), productID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec.AvailableQty
}

func (f *fixture) alerts(t *testing.T) []domain.NotificationEvent {
	t.Helper()
	list, err := f.notifier.List(context.Background(), 0)
	require.NoError(t, err)
	return list
}

func TestSubmit_ReservesAndPersists(t *testing.T) {
	f := newFixture(
		domain.StockRecord{ProductID: "apple", AvailableQty: 10},
		domain.StockRecord{ProductID: "bread", AvailableQty: 4},
	)
	user := "cashier-7"

	order, err := f.orch.Submit(context.Background(), SubmitRequest{
		UserID: &user,
		Lines: []LineRequest{
			{ProductID: "bread", Qty: 1, PriceCents: 300},
			{ProductID: "apple", Qty: 3, PriceCents: 50},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, int64(450), order.TotalCents)
	assert.Equal(t, 7, f.available(t, "apple"))
	assert.Equal(t, 3, f.available(t, "bread"))

	stored, err := f.orch.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Lines, 2)
	assert.Len(t, f.events.OfType(events.TypeOrderSubmitted), 1)
	assert.Len(t, f.events.OfType(events.TypeStockChanged), 2)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(domain.StockRecord{ProductID: "p", AvailableQty: 10})

	testCases := []struct {
		name  string
		lines []LineRequest
	}{
		{"no lines", nil},
		{"zero qty", []LineRequest{{ProductID: "p", Qty: 0}}},
		{"negative qty", []LineRequest{{ProductID: "p", Qty: -1}}},
		{"negative price", []LineRequest{{ProductID: "p", Qty: 1, PriceCents: -5}}},
		{"missing product", []LineRequest{{Qty: 1}}},
		{"conflicting prices", []LineRequest{{ProductID: "p", Qty: 1, PriceCents: 10}, {ProductID: "p", Qty: 1, PriceCents: 20}}},
		{"qty above maximum", []LineRequest{{ProductID: "p", Qty: math.MaxInt}}},
		{"price above maximum", []LineRequest{{ProductID: "p", Qty: 1, PriceCents: math.MaxInt64}}},
		{"merged qty above maximum", []LineRequest{{ProductID: "p", Qty: domain.MaxQuantity}, {ProductID: "p", Qty: 1}}},
		{"total overflows", largeOrder(10)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Submit(context.Background(), SubmitRequest{Lines: tc.lines})
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
	assert.Equal(t, 10, f.available(t, "p"), "invalid submissions must not touch the ledger")
}

func largeOrder(n int) []LineRequest {
	lines := make([]LineRequest, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, LineRequest{ProductID: fmt.Sprintf("bulk-%d", i), Qty: domain.MaxQuantity, PriceCents: domain.MaxPriceCents})
	}
	return lines
}

func TestSubmit_MergesRepeatedProducts(t *testing.T) {
	f := newFixture(domain.StockRecord{ProductID: "p", AvailableQty: 10})

	order, err := f.orch.Submit(context.Background(), SubmitRequest{Lines: []LineRequest{
		{ProductID: "p", Qty: 2, PriceCents: 100},
		{ProductID: "p", Qty: 3, PriceCents: 100},
	}})

	require.NoError(t, err)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, 5, order.Lines[0].Qty)
	assert.Equal(t, 5, f.available(t, "p"))
}

func TestSubmit_CompensatesOnInsufficientStock(t *testing.T) {
	f := newFixture(
		domain.StockRecord{ProductID: "p1", AvailableQty: 5},
		domain.StockRecord{ProductID: "p2", AvailableQty: 1},
	)

	_, err := f.orch.Submit(context.Background(), SubmitRequest{Lines: []LineRequest{
		{ProductID: "p1", Qty: 2},
		{ProductID: "p2", Qty: 3},
	}})

	require.ErrorIs(t, err, domain.ErrOrderFailed)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "p2", de.ProductID)
	assert.Equal(t, 1, de.Available)
	assert.Equal(t, 3, de.Requested)

	assert.Equal(t, 5, f.available(t, "p1"), "first line must be released before submit returns")
	assert.Equal(t, 1, f.available(t, "p2"))
	assert.Empty(t, f.events.OfType(events.TypeOrderSubmitted))

	orders, err := f.orch.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestSubmit_SubmissionKeyIsIdempotent(t *testing.T) {
	f := newFixture(domain.StockRecord{ProductID: "p", AvailableQty: 10})
	req := SubmitRequest{SubmissionKey: "req-123", Lines: []LineRequest{{ProductID: "p", Qty: 4, PriceCents: 10}}}

	first, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 6, f.available(t, "p"))
}

func TestSubmit_ConcurrentDuplicateSubmissionsReserveOnce(t *testing.T) {
	f := newFixture(domain.StockRecord{ProductID: "p", AvailableQty: 10})
	req := SubmitRequest{SubmissionKey: "tap-tap", Lines: []LineRequest{{ProductID: "p", Qty: 3}}}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]bool)
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := f.orch.Submit(context.Background(), req)
			if assert.NoError(t, err) {
				mu.Lock()
				ids[order.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 7, f.available(t, "p"))
}

func TestScenario_LowStockOutOfStockAndCancel(t *testing.T) {
	f := newFixture(domain.StockRecord{ProductID: "P", Name: "Espresso beans", AvailableQty: 3, NotifyAtCount: domain.IntPtr(2)})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, SubmitRequest{Lines: []LineRequest{{ProductID: "P", Qty: 2, PriceCents: 900}}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.available(t, "P"))

	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLowStock, alerts[0].Alert)
	assert.Equal(t, 1, alerts[0].Meta.Remaining)
	require.NotNil(t, alerts[0].Meta.Threshold)
	assert.Equal(t, 2, *alerts[0].Meta.Threshold)

	second, err := f.orch.Submit(ctx, SubmitRequest{Lines: []LineRequest{{ProductID: "P", Qty: 1, PriceCents: 900}}})
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, "P"))
	alerts = f.alerts(t)
	require.Len(t, alerts, 2)
	kinds := map[domain.StockAlert]int{}
	for _, a := range alerts {
		kinds[a.Alert]++
	}
	assert.Equal(t, map[domain.StockAlert]int{domain.AlertLowStock: 1, domain.AlertOutOfStock: 1}, kinds)

	canceled, err := f.orch.Cancel(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCanceled, canceled.Status)
	assert.Equal(t, 1, f.available(t, "P"))

	alerts = f.alerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLowStock, alerts[0].Alert)
	assert.Len(t, f.events.OfType(events.TypeNotificationCleared), 1)
	assert.Len(t, f.events.OfType(events.TypeOrderCanceled), 1)
}

func TestCancel_ConcurrentCallsReleaseExactlyOnce(t *testing.T) {
	f := newFixture(
		domain.StockRecord{ProductID: "a", AvailableQty: 5},
		domain.StockRecord{ProductID: "b", AvailableQty: 5},
	)
	ctx := context.Background()
	order, err := f.orch.Submit(ctx, SubmitRequest{Lines: []LineRequest{{ProductID: "a", Qty: 2}, {ProductID: "b", Qty: 5}}})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		terminal int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Cancel(ctx, order.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, domain.ErrAlreadyTerminal) {
				terminal++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, terminal)
	assert.Equal(t, 5, f.available(t, "a"))
	assert.Equal(t, 5, f.available(t, "b"))

	released := f.events.OfType(events.TypeOrderCanceled)
	require.Len(t, released, 1)
	assert.Equal(t, order.TotalQty(), released[0].(events.OrderCanceledEvent).Released)
}

func TestCancelAndDeliver_TerminalStates(t *testing.T) {
	f := newFixture(domain.StockRecord{ProductID: "p", AvailableQty: 5})
	ctx := context.Background()
	order, err := f.orch.Submit(ctx, SubmitRequest{Lines: []LineRequest{{ProductID: "p", Qty: 2}}})
	require.NoError(t, err)

	delivered, err := f.orch.Deliver(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDelivered, delivered.Status)
	assert.Len(t, f.events.OfType(events.TypeOrderDelivered), 1)

	_, err = f.orch.Cancel(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	assert.Equal(t, 3, f.available(t, "p"), "delivered stock is not restored")

	_, err = f.orch.Deliver(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	_, err = f.orch.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.orch.Deliver(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	f := newFixture()

	_, err := f.orch.List(context.Background(), "shipped", 10)

	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

// MockOrderStore is a mock implementation of store.OrderStore
type MockOrderStore struct {
	mock.Mock
}

func (m *MockOrderStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockOrderStore) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderStore) FindOrderBySubmissionKey(ctx context.Context, key string) (*domain.Order, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderStore) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	args := m.Called(ctx, status, limit)
	return args.Get(0).([]domain.Order), args.Error(1)
}

func (m *MockOrderStore) MarkDelivered(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderStore) CancelAndRelease(ctx context.Context, id uuid.UUID) (*domain.Order, []domain.StockChange, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*domain.Order), args.Get(1).([]domain.StockChange), args.Error(2)
}

func TestSubmit_CompensatesWhenOrderWriteFails(t *testing.T) {
	f := newFixture(
		domain.StockRecord{ProductID: "a", AvailableQty: 3},
		domain.StockRecord{ProductID: "b", AvailableQty: 3},
	)
	mockOrders := new(MockOrderStore)
	mockOrders.On("CreateOrder", mock.Anything, mock.AnythingOfType("*domain.Order")).Return(errors.New("disk full"))
	mockOrders.On("GetOrder", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return(nil, domain.NotFound("order", "x"))
	orch := NewOrchestrator(f.ledger, mockOrders, f.notifier, f.events, zap.NewNop())

	_, err := orch.Submit(context.Background(), SubmitRequest{Lines: []LineRequest{{ProductID: "a", Qty: 1}, {ProductID: "b", Qty: 2}}})

	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 3, f.available(t, "a"))
	assert.Equal(t, 3, f.available(t, "b"))
	mockOrders.AssertExpectations(t)
}

func TestSubmit_OrderWriteThatCommittedIsNotCompensated(t *testing.T) {
	f := newFixture(domain.StockRecord{ProductID: "a", AvailableQty: 3})
	mockOrders := new(MockOrderStore)
	mockOrders.On("CreateOrder", mock.Anything, mock.AnythingOfType("*domain.Order")).Return(errors.New("connection reset"))
	mockOrders.On("GetOrder", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return(&domain.Order{}, nil)
	orch := NewOrchestrator(f.ledger, mockOrders, f.notifier, f.events, zap.NewNop())

	order, err := orch.Submit(context.Background(), SubmitRequest{Lines: []LineRequest{{ProductID: "a", Qty: 1}}})

	require.NoError(t, err)
	assert.NotNil(t, order)
	assert.Equal(t, 2, f.available(t, "a"))
}

// MockLedger is a mock implementation of StockLedger
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Reserve(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	args := m.Called(ctx, ref, productID, qty)
	return args.Get(0).(domain.StockChange), args.Error(1)
}

func (m *MockLedger) Release(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	args := m.Called(ctx, ref, productID, qty)
	return args.Get(0).(domain.StockChange), args.Error(1)
}

func (m *MockLedger) ReservationFor(ctx context.Context, ref, productID string) (*domain.StockMovement, error) {
	args := m.Called(ctx, ref, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StockMovement), args.Error(1)
}

func (m *MockLedger) GetMany(ctx context.Context, productIDs []string) (map[string]domain.StockRecord, error) {
	args := m.Called(ctx, productIDs)
	return args.Get(0).(map[string]domain.StockRecord), args.Error(1)
}

func (m *MockLedger) ReleaseOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, []domain.StockChange, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*domain.Order), args.Get(1).([]domain.StockChange), args.Error(2)
}

var liveCtx = mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })

func TestSubmit_AmbiguousReserveIsCheckedBeforeCompensating(t *testing.T) {
	f := newFixture()
	ml := new(MockLedger)
	ml.On("Reserve", mock.Anything, mock.Anything, "a", 1).Return(domain.StockChange{ProductID: "a", Before: 5, After: 4}, nil)
	ml.On("Reserve", mock.Anything, mock.Anything, "b", 2).Return(domain.StockChange{}, domain.StoreUnavailable("reserve", errors.New("timeout")))
	ml.On("ReservationFor", liveCtx, mock.Anything, "b").Return(&domain.StockMovement{ProductID: "b", Qty: 2, Before: 2, After: 0}, nil)
	ml.On("Release", liveCtx, mock.Anything, "b", 2).Return(domain.StockChange{ProductID: "b", Before: 0, After: 2}, nil).Once()
	ml.On("Release", liveCtx, mock.Anything, "a", 1).Return(domain.StockChange{ProductID: "a", Before: 4, After: 5}, nil).Once()
	orch := NewOrchestrator(ml, f.store, f.notifier, f.events, zap.NewNop())

	_, err := orch.Submit(context.Background(), SubmitRequest{Lines: []LineRequest{{ProductID: "b", Qty: 2}, {ProductID: "a", Qty: 1}}})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	ml.AssertExpectations(t)
}

func TestSubmit_AmbiguousReserveThatNeverAppliedIsNotReleased(t *testing.T) {
	f := newFixture()
	ml := new(MockLedger)
	ml.On("Reserve", mock.Anything, mock.Anything, "a", 1).Return(domain.StockChange{}, domain.StoreUnavailable("reserve", errors.New("timeout")))
	ml.On("ReservationFor", liveCtx, mock.Anything, "a").Return(nil, nil)
	orch := NewOrchestrator(ml, f.store, f.notifier, f.events, zap.NewNop())

	_, err := orch.Submit(context.Background(), SubmitRequest{Lines: []LineRequest{{ProductID: "a", Qty: 1}}})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	ml.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_CompensationSurvivesCanceledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	ml := new(MockLedger)
	ml.On("Reserve", mock.Anything, mock.Anything, "a", 1).
		Run(func(mock.Arguments) { cancel() }).
		Return(domain.StockChange{ProductID: "a", Before: 1, After: 0}, nil)
	ml.On("Reserve", mock.Anything, mock.Anything, "b", 1).Return(domain.StockChange{}, domain.InsufficientStock("b", 0, 1))
	ml.On("Release", liveCtx, mock.Anything, "a", 1).Return(domain.StockChange{ProductID: "a", Before: 0, After: 1}, nil).Once()
	orch := NewOrchestrator(ml, f.store, f.notifier, f.events, zap.NewNop())

	_, err := orch.Submit(ctx, SubmitRequest{Lines: []LineRequest{{ProductID: "a", Qty: 1}, {ProductID: "b", Qty: 1}}})

	assert.ErrorIs(t, err, domain.ErrOrderFailed)
	ml.AssertExpectations(t)
}

func TestSubmit_FailedCompensationIsReported(t *testing.T) {
	f := newFixture()
	ml := new(MockLedger)
	ml.On("Reserve", mock.Anything, mock.Anything, "a", 1).Return(domain.StockChange{ProductID: "a", Before: 1, After: 0}, nil)
	ml.On("Reserve", mock.Anything, mock.Anything, "b", 1).Return(domain.StockChange{}, domain.InsufficientStock("b", 0, 1))
	ml.On("Release", mock.Anything, mock.Anything, "a", 1).Return(domain.StockChange{}, domain.StoreUnavailable("release", errors.New("locked")))
	orch := NewOrchestrator(ml, f.store, f.notifier, f.events, zap.NewNop())

	_, err := orch.Submit(context.Background(), SubmitRequest{Lines: []LineRequest{{ProductID: "a", Qty: 1}, {ProductID: "b", Qty: 1}}})

	assert.ErrorIs(t, err, domain.ErrOrderFailed)
	assert.ErrorIs(t, err, domain.ErrConsistencyViolation)
}
