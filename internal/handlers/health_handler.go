package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"clawboard/internal/services"
	"clawboard/internal/version"
	"clawboard/pkg/openclaw"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 进程健康检查
type HealthHandler struct {
	db        *gorm.DB
	gateway   openclaw.GatewayInterface
	breaker   *services.CircuitBreaker
	startedAt time.Time
}

// NewHealthHandler 创建健康检查处理器；breaker 可为 nil
func NewHealthHandler(db *gorm.DB, gateway openclaw.GatewayInterface, breaker *services.CircuitBreaker) *HealthHandler {
	return &HealthHandler{db: db, gateway: gateway, breaker: breaker, startedAt: time.Now()}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	GoVersion string                 `json:"go_version"`
	Services  map[string]ServiceInfo `json:"services"`
}

// ServiceInfo 依赖状态
type ServiceInfo struct {
	Status  string      `json:"status"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Health 数据库不可用时返回 503；网关状态只作展示，不影响总体结果
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Service:   "clawboard",
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		GoVersion: runtime.Version(),
		Services:  make(map[string]ServiceInfo),
	}

	db := ServiceInfo{Status: "healthy"}
	if sqlDB, err := h.db.DB(); err != nil {
		db = ServiceInfo{Status: "unhealthy", Error: err.Error()}
	} else if err := sqlDB.PingContext(ctx); err != nil {
		db = ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	resp.Services["database"] = db

	gw := ServiceInfo{Status: "configured"}
	if !h.gateway.Configured() {
		gw = ServiceInfo{Status: "disabled", Error: openclaw.ErrNotConfigured.Error()}
	} else if h.breaker != nil {
		gw.Details = h.breaker.Stats()
		if h.breaker.State() == services.StateOpenCB {
			gw.Status = "circuit_open"
			resp.Status = "degraded"
		}
	}
	resp.Services["gateway"] = gw

	status := http.StatusOK
	if db.Status != "healthy" {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
