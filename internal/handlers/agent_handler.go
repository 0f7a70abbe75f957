package handlers

import (
	"net/http"
	"strconv"
	"time"

	"clawboard/internal/services"
	"clawboard/pkg/openclaw"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AgentHandler 看板配置、agent 目录与网关健康
type AgentHandler struct {
	directory     *services.AgentDirectory
	gateway       openclaw.GatewayInterface
	healthTimeout time.Duration
	logger        *logrus.Logger
}

// NewAgentHandler 创建 agent 处理器
func NewAgentHandler(directory *services.AgentDirectory, gateway openclaw.GatewayInterface, healthTimeout time.Duration, logger *logrus.Logger) *AgentHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if healthTimeout <= 0 {
		healthTimeout = 10 * time.Second
	}
	return &AgentHandler{
		directory:     directory,
		gateway:       gateway,
		healthTimeout: healthTimeout,
		logger:        logger,
	}
}

// BoardConfig GET /api/config 响应
type BoardConfig struct {
	Statuses           []string `json:"statuses"`
	Priorities         []string `json:"priorities"`
	AutomationStatuses []string `json:"automationStatuses"`
	Assignees          []string `json:"assignees"`
}

// AgentsResponse GET /api/agents 响应
type AgentsResponse struct {
	OK              bool                   `json:"ok"`
	Agents          []openclaw.AgentRecord `json:"agents"`
	CacheTTLSeconds int64                  `json:"cacheTtlSeconds"`
	Cached          bool                   `json:"cached"`
	Stale           bool                   `json:"stale"`
	FetchedAt       *time.Time             `json:"fetchedAt"`
	ExpiresAt       *time.Time             `json:"expiresAt"`
	Detail          string                 `json:"detail,omitempty"`
}

// GetConfig 看板静态配置与可选负责人；目录不可用时只返回 Unassigned
// @Router /api/config [get]
func (h *AgentHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, BoardConfig{
		Statuses:           services.Statuses,
		Priorities:         services.Priorities,
		AutomationStatuses: services.AutomationStatuses,
		Assignees:          h.directory.AssigneeOptions(c.Request.Context()),
	})
}

// ListAgents 返回缓存的 agent 目录，force_refresh=true 时强制刷新
// @Param force_refresh query bool false "跳过缓存"
// @Success 200 {object} AgentsResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/agents [get]
func (h *AgentHandler) ListAgents(c *gin.Context) {
	ttl := int64(h.directory.TTL() / time.Second)
	if !h.gateway.Configured() {
		c.JSON(http.StatusOK, AgentsResponse{
			Agents:          []openclaw.AgentRecord{},
			CacheTTLSeconds: ttl,
			Detail:          openclaw.ErrNotConfigured.Error(),
		})
		return
	}

	force, _ := strconv.ParseBool(c.DefaultQuery("force_refresh", "false"))
	snap, err := h.directory.Get(c.Request.Context(), force)
	if err != nil {
		respondError(c, h.logger, "Failed to load agents", err)
		return
	}

	agents := snap.Agents
	if agents == nil {
		agents = []openclaw.AgentRecord{}
	}
	fetchedAt, expiresAt := snap.FetchedAt.UTC(), snap.ExpiresAt.UTC()
	c.JSON(http.StatusOK, AgentsResponse{
		OK:              true,
		Agents:          agents,
		CacheTTLSeconds: ttl,
		Cached:          snap.Cached,
		Stale:           snap.Stale,
		FetchedAt:       &fetchedAt,
		ExpiresAt:       &expiresAt,
	})
}

// GatewayHealth 探测网关：先 agents_list，再回退 sessions_list
// @Success 200 {object} openclaw.HealthStatus
// @Router /api/gateway/health [get]
func (h *AgentHandler) GatewayHealth(c *gin.Context) {
	c.JSON(http.StatusOK, openclaw.CheckHealth(c.Request.Context(), h.gateway, h.healthTimeout))
}
