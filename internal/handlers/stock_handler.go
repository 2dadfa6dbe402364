package handlers

import (
	"context"
	"net/http"
	"time"

	"stock-ledger/internal/cache"
	"stock-ledger/internal/domain"
	"stock-ledger/internal/ledger"
	"stock-ledger/pkg/errors"
	"stock-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StockLedger is the ledger surface the stock endpoints use.
type StockLedger interface {
	Get(ctx context.Context, productID string) (*domain.StockRecord, error)
	List(ctx context.Context) ([]domain.StockRecord, error)
	SetAvailable(ctx context.Context, productID string, value int, opts ledger.SetOptions) (domain.StockChange, *domain.StockRecord, error)
	Reserve(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error)
	Release(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error)
}

// StockNotifier raises and clears alerts after a stock change.
type StockNotifier interface {
	Apply(ctx context.Context, rec domain.StockRecord, change domain.StockChange) ([]domain.NotificationEvent, error)
}

type StockHandler struct {
	ledger   StockLedger
	notifier StockNotifier
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewStockHandler wires the stock endpoints. cacheClient may be nil.
func NewStockHandler(l StockLedger, notifier StockNotifier, cacheClient cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *StockHandler {
	return &StockHandler{
		ledger:   l,
		notifier: notifier,
		cache:    cacheClient,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// ListStock handles GET /api/v1/stock
// @Summary      List stock
// @Description  Returns every product's current stock, ordered by product id
// @Tags         stock
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  StockListResponse
// @Failure      401  {object}  errors.StandardError
// @Failure      503  {object}  errors.StandardError
// @Router       /stock [get]
func (h *StockHandler) ListStock(c *gin.Context) {
	ctx := c.Request.Context()

	var resp StockListResponse
	if h.cache != nil {
		if err := cache.GetJSON(ctx, h.cache, cache.StockListKey, &resp); err == nil {
			c.JSON(http.StatusOK, resp)
			return
		}
	}

	recs, err := h.ledger.List(ctx)
	if err != nil {
		c.Error(err)
		return
	}
	resp = StockListResponse{Items: make([]StockResponse, 0, len(recs)), Total: len(recs)}
	for _, rec := range recs {
		resp.Items = append(resp.Items, toStockResponse(rec))
	}
	h.fill(ctx, cache.StockListKey, resp)
	c.JSON(http.StatusOK, resp)
}

// GetStock handles GET /api/v1/stock/:productId
// @Summary      Get stock for a product
// @Description  The value may be served from a short-lived cache; reservations never use it
// @Tags         stock
// @Produce      json
// @Security     BearerAuth
// @Param        productId  path      string  true  "Product ID"
// @Success      200        {object}  StockResponse
// @Failure      404        {object}  errors.StandardError
// @Router       /stock/{productId} [get]
func (h *StockHandler) GetStock(c *gin.Context) {
	ctx := c.Request.Context()
	productID := c.Param("productId")

	if h.cache != nil {
		var snap cache.StockSnapshot
		if err := cache.GetJSON(ctx, h.cache, cache.StockKey(productID), &snap); err == nil {
			c.Header("X-Cache", "HIT")
			c.JSON(http.StatusOK, toStockResponse(snap.Record()))
			return
		}
	}

	rec, err := h.ledger.Get(ctx, productID)
	if err != nil {
		c.Error(err)
		return
	}
	if rec == nil {
		c.Error(errors.NewNotFound("stock", productID))
		return
	}

	h.fill(ctx, cache.StockKey(productID), cache.SnapshotOf(*rec))
	c.JSON(http.StatusOK, toStockResponse(*rec))
}

// SetStock handles PUT /api/v1/stock/:productId
// @Summary      Set available stock
// @Description  Overwrites the available quantity (stock-manager edit), creating the product row if needed. Alerts are derived from the change and stale ones cleared.
// @Tags         stock
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        X-Request-ID  header    string           false  "Request ID for idempotency"
// @Param        productId     path      string           true   "Product ID"
// @Param        request       body      SetStockRequest  true   "New stock values"
// @Success      200           {object}  StockChangeResponse
// @Failure      400           {object}  errors.StandardError
// @Failure      503           {object}  errors.StandardError
// @Router       /stock/{productId} [put]
func (h *StockHandler) SetStock(c *gin.Context) {
	var req SetStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidRequest("invalid stock update", err.Error()))
		return
	}

	ctx := c.Request.Context()
	productID := c.Param("productId")
	change, rec, err := h.ledger.SetAvailable(ctx, productID, *req.AvailableQty, ledger.SetOptions{
		Name:          req.Name,
		MaxQty:        req.MaxQty,
		NotifyAtCount: req.NotifyAtCount,
		ClearNotifyAt: req.ClearNotifyAt,
	})
	if err != nil {
		c.Error(err)
		return
	}

	created := h.afterChange(ctx, rec, change)
	c.JSON(http.StatusOK, StockChangeResponse{
		ProductID:     productID,
		Before:        change.Before,
		After:         change.After,
		Notifications: toNotificationResponses(created),
	})
}

// ReserveStock handles POST /api/v1/stock/:productId/reserve
// @Summary      Reserve stock
// @Description  Atomically takes qty units if at least that many are available. The request id is the movement reference, so a retried request is applied once.
// @Tags         stock
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        X-Request-ID  header    string           false  "Request ID for idempotency"
// @Param        productId     path      string           true   "Product ID"
// @Param        request       body      MovementRequest  true   "Quantity"
// @Success      200           {object}  StockChangeResponse
// @Failure      400           {object}  errors.StandardError
// @Failure      409           {object}  errors.StandardError  "Insufficient stock; meta carries available and requested"
// @Failure      503           {object}  errors.StandardError
// @Router       /stock/{productId}/reserve [post]
func (h *StockHandler) ReserveStock(c *gin.Context) {
	h.move(c, h.ledger.Reserve)
}

// ReleaseStock handles POST /api/v1/stock/:productId/release
// @Summary      Release stock
// @Description  Returns qty units to the product. The request id is the movement reference.
// @Tags         stock
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        X-Request-ID  header    string           false  "Request ID for idempotency"
// @Param        productId     path      string           true   "Product ID"
// @Param        request       body      MovementRequest  true   "Quantity"
// @Success      200           {object}  StockChangeResponse
// @Failure      400           {object}  errors.StandardError
// @Failure      503           {object}  errors.StandardError
// @Router       /stock/{productId}/release [post]
func (h *StockHandler) ReleaseStock(c *gin.Context) {
	h.move(c, h.ledger.Release)
}

type movement func(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error)

func (h *StockHandler) move(c *gin.Context, apply movement) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidRequest("invalid movement", err.Error()))
		return
	}

	ctx := c.Request.Context()
	productID := c.Param("productId")
	requestID := middleware.GetRequestID(c)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ref := "adhoc:" + requestID

	change, err := apply(ctx, ref, productID, req.Qty)
	if err != nil {
		c.Error(err)
		return
	}

	var created []domain.NotificationEvent
	if rec, err := h.ledger.Get(ctx, productID); err != nil || rec == nil {
		h.logger.Warn("Could not read stock after movement", zap.String("product_id", productID), zap.Error(err))
		h.invalidate(ctx, productID)
	} else {
		created = h.afterChange(ctx, rec, change)
	}

	c.JSON(http.StatusOK, StockChangeResponse{
		ProductID:     productID,
		Before:        change.Before,
		After:         change.After,
		Ref:           ref,
		Notifications: toNotificationResponses(created),
	})
}

// afterChange runs alert derivation and drops cached copies. Neither can
// fail the request: the ledger change is already committed.
func (h *StockHandler) afterChange(ctx context.Context, rec *domain.StockRecord, change domain.StockChange) []domain.NotificationEvent {
	h.invalidate(ctx, change.ProductID)

	detached := context.WithoutCancel(ctx)
	created, err := h.notifier.Apply(detached, *rec, change)
	if err != nil {
		h.logger.Warn("Failed to apply stock notifications",
			zap.String("product_id", change.ProductID),
			zap.Error(err),
		)
	}
	return created
}

func (h *StockHandler) invalidate(ctx context.Context, productID string) {
	if h.cache == nil {
		return
	}
	if err := cache.InvalidateStock(ctx, h.cache, productID); err != nil {
		h.logger.Warn("Failed to invalidate stock cache", zap.String("product_id", productID), zap.Error(err))
	}
}

func (h *StockHandler) fill(ctx context.Context, key string, value interface{}) {
	if h.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, h.cache, key, value, h.cacheTTL); err != nil {
		h.logger.Debug("Failed to fill cache", zap.String("key", key), zap.Error(err))
	}
}
