package handlers

import (
	"net/http"

	"clawboard/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SessionActivityHandler agent 会话活动
type SessionActivityHandler struct {
	activity *services.SessionActivityService
	logger   *logrus.Logger
}

// NewSessionActivityHandler 创建会话活动处理器
func NewSessionActivityHandler(activity *services.SessionActivityService, logger *logrus.Logger) *SessionActivityHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SessionActivityHandler{activity: activity, logger: logger}
}

// ListSessionActivity 每个会话最近的命令执行
// @Param limit query int false "会话数，默认 20，最多 100"
// @Param history_limit query int false "每个会话读取的消息数"
// @Param max_runs query int false "每个会话返回的执行数"
// @Success 200 {object} map[string]interface{}
// @Failure 502 {object} ErrorResponse
// @Router /api/sessions/activity [get]
func (h *SessionActivityHandler) ListSessionActivity(c *gin.Context) {
	var q services.SessionActivityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "Invalid query parameters", err.Error())
		return
	}

	sessions, err := h.activity.ListSessionActivity(c.Request.Context(), q)
	if err != nil {
		respondError(c, h.logger, "Failed to load session activity", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
