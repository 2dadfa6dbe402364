package handlers

import (
	"context"
	"net/http"
	"strconv"

	"stock-ledger/internal/cache"
	"stock-ledger/internal/domain"
	"stock-ledger/internal/orders"
	"stock-ledger/pkg/errors"
	"stock-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OrderService is the orchestrator surface the order endpoints use.
type OrderService interface {
	Submit(ctx context.Context, req orders.SubmitRequest) (*domain.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	Deliver(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	Get(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
}

type OrderHandler struct {
	orders OrderService
	cache  cache.Cache
	logger *zap.Logger
}

// NewOrderHandler takes the stock read cache so order writes can drop the
// levels they move; c may be nil.
func NewOrderHandler(svc OrderService, c cache.Cache, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{orders: svc, cache: c, logger: logger}
}

// SubmitOrder handles POST /api/v1/orders
// @Summary      Submit an order
// @Description  Reserves every line atomically or none. On insufficient stock nothing stays reserved and the response names the product with available and requested quantities.
// @Description  X-Request-ID is the submission key: repeating it returns the order already created.
// @Tags         orders
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        X-Request-ID  header    string              false  "Submission key"
// @Param        request       body      SubmitOrderRequest  true   "Order lines"
// @Success      201           {object}  OrderResponse
// @Failure      400           {object}  errors.StandardError
// @Failure      409           {object}  errors.StandardError  "OrderFailed"
// @Failure      500           {object}  errors.StandardError  "ConsistencyViolation"
// @Failure      503           {object}  errors.StandardError
// @Router       /orders [post]
func (h *OrderHandler) SubmitOrder(c *gin.Context) {
	var req SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidRequest("invalid order", err.Error()))
		return
	}

	lines := make([]orders.LineRequest, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, orders.LineRequest{ProductID: l.ProductID, Qty: l.Qty, PriceCents: l.PriceCents})
	}

	order, err := h.orders.Submit(c.Request.Context(), orders.SubmitRequest{
		UserID:        req.UserID,
		SubmissionKey: middleware.GetRequestID(c),
		Lines:         lines,
	})
	// A failed submission may have reserved and compensated, so readers
	// could have cached an intermediate level either way.
	products := make([]string, 0, len(lines))
	for _, l := range lines {
		products = append(products, l.ProductID)
	}
	h.invalidate(c.Request.Context(), products)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

// ListOrders handles GET /api/v1/orders
// @Summary      List orders
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        status  query     string  false  "pending, delivered or canceled"
// @Param        limit   query     int     false  "Page size (default 50, max 500)"
// @Success      200     {object}  OrderListResponse
// @Failure      400     {object}  errors.StandardError
// @Router       /orders [get]
func (h *OrderHandler) ListOrders(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	list, err := h.orders.List(c.Request.Context(), domain.OrderStatus(c.Query("status")), limit)
	if err != nil {
		c.Error(err)
		return
	}

	resp := OrderListResponse{Items: make([]OrderResponse, 0, len(list)), Total: len(list)}
	for i := range list {
		resp.Items = append(resp.Items, toOrderResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// GetOrder handles GET /api/v1/orders/:id
// @Summary      Get an order
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Order ID (UUID)"
// @Success      200  {object}  OrderResponse
// @Failure      404  {object}  errors.StandardError
// @Router       /orders/{id} [get]
func (h *OrderHandler) GetOrder(c *gin.Context) {
	h.withOrder(c, h.orders.Get)
}

// CancelOrder handles POST /api/v1/orders/:id/cancel
// @Summary      Cancel a pending order
// @Description  Restores every line's stock and marks the order canceled in one step. Only one of several concurrent cancels succeeds.
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Order ID (UUID)"
// @Success      200  {object}  OrderResponse
// @Failure      404  {object}  errors.StandardError
// @Failure      409  {object}  errors.StandardError  "AlreadyTerminal"
// @Router       /orders/{id}/cancel [post]
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	h.withOrder(c, func(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
		order, err := h.orders.Cancel(ctx, id)
		if order != nil {
			products := make([]string, 0, len(order.Lines))
			for _, l := range order.Lines {
				products = append(products, l.ProductID)
			}
			h.invalidate(ctx, products)
		}
		return order, err
	})
}

// DeliverOrder handles POST /api/v1/orders/:id/deliver
// @Summary      Mark a pending order delivered
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Order ID (UUID)"
// @Success      200  {object}  OrderResponse
// @Failure      404  {object}  errors.StandardError
// @Failure      409  {object}  errors.StandardError  "AlreadyTerminal"
// @Router       /orders/{id}/deliver [post]
func (h *OrderHandler) DeliverOrder(c *gin.Context) {
	h.withOrder(c, h.orders.Deliver)
}

func (h *OrderHandler) withOrder(c *gin.Context, fn func(context.Context, uuid.UUID) (*domain.Order, error)) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(errors.NewInvalidRequest("invalid order id", "ID must be a UUID"))
		return
	}

	order, err := fn(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandler) invalidate(ctx context.Context, productIDs []string) {
	if h.cache == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, id := range productIDs {
		if err := cache.InvalidateStock(ctx, h.cache, id); err != nil {
			h.logger.Warn("Failed to invalidate stock cache", zap.String("product_id", id), zap.Error(err))
		}
	}
}

// parseLimit reads ?limit, writing the error itself when it is malformed.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.Error(errors.NewValidationError("limit must be a positive integer", "limit"))
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
