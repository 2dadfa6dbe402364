package handlers

import (
	"context"
	"net/http"

	"stock-ledger/internal/domain"
	"stock-ledger/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type NotificationService interface {
	List(ctx context.Context, limit int) ([]domain.NotificationEvent, error)
	Dismiss(ctx context.Context, id uuid.UUID) error
	Create(ctx context.Context, message string, productID *string) (*domain.NotificationEvent, error)
}

type NotificationHandler struct {
	notifications NotificationService
	logger        *zap.Logger
}

func NewNotificationHandler(svc NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: svc, logger: logger}
}

// ListNotifications handles GET /api/v1/notifications
// @Summary      List active notifications
// @Description  Stock alerts exist only while their condition holds; newest first
// @Tags         notifications
// @Produce      json
// @Security     BearerAuth
// @Param        limit  query     int  false  "Page size (default 50, max 500)"
// @Success      200    {object}  NotificationListResponse
// @Router       /notifications [get]
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	list, err := h.notifications.List(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		return
	}
	items := toNotificationResponses(list)
	c.JSON(http.StatusOK, NotificationListResponse{Items: items, Total: len(items)})
}

// CreateNotification handles POST /api/v1/notifications
// @Summary      Post a staff notification
// @Tags         notifications
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      CreateNotificationRequest  true  "Notification"
// @Success      201      {object}  NotificationResponse
// @Failure      400      {object}  errors.StandardError
// @Router       /notifications [post]
func (h *NotificationHandler) CreateNotification(c *gin.Context) {
	var req CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidRequest("invalid notification", err.Error()))
		return
	}

	ev, err := h.notifications.Create(c.Request.Context(), req.Message, req.ProductID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toNotificationResponse(*ev))
}

// DismissNotification handles DELETE /api/v1/notifications/:id
// @Summary      Dismiss a notification
// @Description  A dismissed stock alert is raised again on the next qualifying transition
// @Tags         notifications
// @Security     BearerAuth
// @Param        id  path  string  true  "Notification ID (UUID)"
// @Success      204
// @Failure      404  {object}  errors.StandardError
// @Router       /notifications/{id} [delete]
func (h *NotificationHandler) DismissNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(errors.NewInvalidRequest("invalid notification id", "ID must be a UUID"))
		return
	}
	if err := h.notifications.Dismiss(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
