package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the ledger endpoints on group. Nil handlers are
// skipped.
func RegisterRoutes(group *gin.RouterGroup, stock *StockHandler, ord *OrderHandler, notes *NotificationHandler) {
	if stock != nil {
		s := group.Group("/stock")
		s.GET("", stock.ListStock)
		s.GET("/:productId", stock.GetStock)
		s.PUT("/:productId", stock.SetStock)
		s.POST("/:productId/reserve", stock.ReserveStock)
		s.POST("/:productId/release", stock.ReleaseStock)
	}
	if ord != nil {
		o := group.Group("/orders")
		o.POST("", ord.SubmitOrder)
		o.GET("", ord.ListOrders)
		o.GET("/:id", ord.GetOrder)
		o.POST("/:id/cancel", ord.CancelOrder)
		o.POST("/:id/deliver", ord.DeliverOrder)
	}
	if notes != nil {
		n := group.Group("/notifications")
		n.GET("", notes.ListNotifications)
		n.POST("", notes.CreateNotification)
		n.DELETE("/:id", notes.DismissNotification)
	}
}
