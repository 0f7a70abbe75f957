package handlers

import (
	"net/http"

	"clawboard/internal/services"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler 实时推送连接
type WebSocketHandler struct {
	hub *services.WebSocketHub
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(hub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleWebSocket 升级连接并注册到 hub
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c)
}

// GetStats 当前连接数
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"client_count": h.hub.GetClientCount(),
		},
	})
}
