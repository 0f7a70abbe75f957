package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"clawboard/internal/services"
	"clawboard/pkg/openclaw"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// statusFor 把服务层错误映射为 HTTP 状态码
func statusFor(err error) int {
	var (
		validationErr *services.ValidationError
		transitionErr *services.TransitionError
		gatewayErr    *openclaw.GatewayError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &transitionErr):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTicketArchived):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, openclaw.ErrNotConfigured):
		return http.StatusBadRequest
	case errors.As(err, &gatewayErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写入错误响应；只有 5xx 记为错误日志
func respondError(c *gin.Context, logger *logrus.Logger, title string, err error) {
	status := statusFor(err)
	entry := logger.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"status": status,
		"error":  err,
	})
	if status >= http.StatusInternalServerError {
		entry.Error(title)
	} else {
		entry.Debug(title)
	}
	c.JSON(status, ErrorResponse{
		Error:   title,
		Message: err.Error(),
		Code:    status,
	})
}

func badRequest(c *gin.Context, title, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   title,
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// parseTicketID 解析路径中的工单 id
func parseTicketID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "Invalid ticket ID", "ID must be a valid number")
		return 0, false
	}
	return uint(id), true
}
