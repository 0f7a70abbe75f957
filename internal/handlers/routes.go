package handlers

import (
	"github.com/gin-gonic/gin"
)

// Handlers 需要挂载的全部处理器
type Handlers struct {
	Tickets     *TicketHandler
	Agents      *AgentHandler
	Sessions    *SessionActivityHandler
	WebSocket   *WebSocketHandler
	Health      *HealthHandler
	Metrics     *MetricsHandler
	MetricsPath string
}

// RegisterRoutes 注册 HTTP 路由
func RegisterRoutes(r *gin.Engine, h Handlers) {
	r.GET("/health", h.Health.Health)
	r.GET("/api/health", h.Health.Health)
	if h.Metrics != nil {
		path := h.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, h.Metrics.GetMetrics)
	}
	r.GET("/ws", h.WebSocket.HandleWebSocket)

	api := r.Group("/api")
	api.GET("/config", h.Agents.GetConfig)
	api.GET("/agents", h.Agents.ListAgents)
	api.GET("/gateway/health", h.Agents.GatewayHealth)
	api.GET("/activity", h.Tickets.Activity)
	api.GET("/sessions/activity", h.Sessions.ListSessionActivity)
	api.GET("/ws/stats", h.WebSocket.GetStats)

	tickets := api.Group("/tickets")
	{
		tickets.GET("", h.Tickets.ListTickets)
		tickets.POST("", h.Tickets.CreateTicket)
		tickets.GET("/:id", h.Tickets.GetTicket)
		tickets.PATCH("/:id", h.Tickets.UpdateTicket)
		tickets.POST("/:id/move", h.Tickets.MoveTicket)
		tickets.POST("/:id/archive", h.Tickets.ArchiveTicket)
		tickets.GET("/:id/comments", h.Tickets.ListComments)
		tickets.POST("/:id/comments", h.Tickets.AddComment)
		tickets.GET("/:id/events", h.Tickets.ListEvents)
	}
}
