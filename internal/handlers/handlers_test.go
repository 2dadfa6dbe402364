package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"stock-ledger/internal/domain"
	"stock-ledger/internal/ledger"
	"stock-ledger/internal/orders"
	"stock-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockStockLedger struct {
	mock.Mock
}

func (m *MockStockLedger) Get(ctx context.Context, productID string) (*domain.StockRecord, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StockRecord), args.Error(1)
}

func (m *MockStockLedger) List(ctx context.Context) ([]domain.StockRecord, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.StockRecord), args.Error(1)
}

func (m *MockStockLedger) SetAvailable(ctx context.Context, productID string, value int, opts ledger.SetOptions) (domain.StockChange, *domain.StockRecord, error) {
	args := m.Called(ctx, productID, value, opts)
	rec, _ := args.Get(1).(*domain.StockRecord)
	return args.Get(0).(domain.StockChange), rec, args.Error(2)
}

func (m *MockStockLedger) Reserve(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	args := m.Called(ctx, ref, productID, qty)
	return args.Get(0).(domain.StockChange), args.Error(1)
}

func (m *MockStockLedger) Release(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	args := m.Called(ctx, ref, productID, qty)
	return args.Get(0).(domain.StockChange), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Apply(ctx context.Context, rec domain.StockRecord, change domain.StockChange) ([]domain.NotificationEvent, error) {
	args := m.Called(ctx, rec, change)
	created, _ := args.Get(0).([]domain.NotificationEvent)
	return created, args.Error(1)
}

func (m *MockNotifier) List(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	args := m.Called(ctx, limit)
	list, _ := args.Get(0).([]domain.NotificationEvent)
	return list, args.Error(1)
}

func (m *MockNotifier) Dismiss(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockNotifier) Create(ctx context.Context, message string, productID *string) (*domain.NotificationEvent, error) {
	args := m.Called(ctx, message, productID)
	ev, _ := args.Get(0).(*domain.NotificationEvent)
	return ev, args.Error(1)
}

type MockOrderService struct {
	mock.Mock
}

func (m *MockOrderService) Submit(ctx context.Context, req orders.SubmitRequest) (*domain.Order, error) {
	args := m.Called(ctx, req)
	order, _ := args.Get(0).(*domain.Order)
	return order, args.Error(1)
}

func (m *MockOrderService) Cancel(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	args := m.Called(ctx, id)
	order, _ := args.Get(0).(*domain.Order)
	return order, args.Error(1)
}

func (m *MockOrderService) Deliver(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	args := m.Called(ctx, id)
	order, _ := args.Get(0).(*domain.Order)
	return order, args.Error(1)
}

func (m *MockOrderService) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	args := m.Called(ctx, id)
	order, _ := args.Get(0).(*domain.Order)
	return order, args.Error(1)
}

func (m *MockOrderService) List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	args := m.Called(ctx, status, limit)
	list, _ := args.Get(0).([]domain.Order)
	return list, args.Error(1)
}

// setupTestRouter mounts the handlers behind the same request-id and error
// middleware the service uses, without authentication.
func setupTestRouter(stock *StockHandler, ord *OrderHandler, notes *NotificationHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	logger := zap.NewNop()
	router.Use(middleware.RecoveryHandler(logger))
	router.Use(middleware.RequestIDMiddleware(logger))
	router.Use(middleware.ErrorHandler(logger))

	v1 := router.Group("/api/v1")
	RegisterRoutes(v1, stock, ord, notes)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func intPtr(v int) *int {
	return &v
}
