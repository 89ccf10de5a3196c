package api

import (
	"net/http"

	"hitl/api/handlers/approvals"
	"hitl/api/handlers/notifications"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers 汇总各处理器
type Handlers struct {
	Approvals *approvals.Handler
	WebSocket *notifications.WebSocketHandler
}

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/ws", h.WebSocket.Connect)

		approvalGroup := api.Group("/approvals")
		{
			approvalGroup.POST("", h.Approvals.Create)
			approvalGroup.GET("", h.Approvals.List)
			approvalGroup.GET("/pending", h.Approvals.ListPending)
			approvalGroup.GET("/:id", h.Approvals.Get)
			approvalGroup.POST("/:id/approve", h.Approvals.Approve)
			approvalGroup.POST("/:id/reject", h.Approvals.Reject)
			approvalGroup.POST("/:id/notify", h.Approvals.Notify)
		}
	}
}
