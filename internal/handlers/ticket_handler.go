package handlers

import (
	"net/http"

	"clawboard/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TicketHandler 工单处理器
type TicketHandler struct {
	ticketService *services.TicketService
	logger        *logrus.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(ticketService *services.TicketService, logger *logrus.Logger) *TicketHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TicketHandler{
		ticketService: ticketService,
		logger:        logger,
	}
}

// CreateTicket 创建工单
// @Summary 创建工单
// @Tags 工单
// @Accept json
// @Produce json
// @Param ticket body services.TicketCreateRequest true "工单信息"
// @Success 201 {object} models.Ticket
// @Failure 400 {object} ErrorResponse
// @Router /api/tickets [post]
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err.Error())
		return
	}

	ticket, err := h.ticketService.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create ticket", err)
		return
	}

	c.JSON(http.StatusCreated, ticket)
}

// GetTicket 获取工单详情
// @Summary 获取工单详情
// @Tags 工单
// @Produce json
// @Param id path int true "工单ID"
// @Success 200 {object} models.Ticket
// @Failure 404 {object} ErrorResponse
// @Router /api/tickets/{id} [get]
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := parseTicketID(c)
	if !ok {
		return
	}

	ticket, err := h.ticketService.GetTicket(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Ticket not found", err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// UpdateTicket 更新标题、描述、负责人或优先级
// @Summary 更新工单
// @Tags 工单
// @Accept json
// @Produce json
// @Param id path int true "工单ID"
// @Param ticket body services.TicketUpdateRequest true "更新信息"
// @Success 200 {object} models.Ticket
// @Router /api/tickets/{id} [patch]
func (h *TicketHandler) UpdateTicket(c *gin.Context) {
	id, ok := parseTicketID(c)
	if !ok {
		return
	}

	var req services.TicketUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err.Error())
		return
	}

	ticket, err := h.ticketService.UpdateTicket(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, h.logger, "Failed to update ticket", err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// ListTickets 获取工单列表
// @Summary 获取工单列表
// @Tags 工单
// @Produce json
// @Param status query string false "状态过滤"
// @Param assignee query string false "负责人过滤"
// @Param archived query bool false "只看归档"
// @Success 200 {array} models.Ticket
// @Router /api/tickets [get]
func (h *TicketHandler) ListTickets(c *gin.Context) {
	var req services.TicketListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid query parameters", err.Error())
		return
	}

	tickets, err := h.ticketService.ListTickets(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to list tickets", err)
		return
	}

	c.JSON(http.StatusOK, tickets)
}

// MoveTicket 变更工单状态，进入 Plan/In Progress 时触发 agent 会话
// @Summary 移动工单
// @Tags 工单
// @Produce json
// @Param id path int true "工单ID"
// @Param status query string true "目标状态"
// @Param actor query string false "操作者"
// @Success 200 {object} services.MoveResult
// @Failure 400 {object} ErrorResponse
// @Router /api/tickets/{id}/move [post]
func (h *TicketHandler) MoveTicket(c *gin.Context) {
	id, ok := parseTicketID(c)
	if !ok {
		return
	}
	status, present := c.GetQuery("status")
	if !present {
		badRequest(c, "Invalid query parameters", "status is required")
		return
	}

	result, err := h.ticketService.MoveTicket(c.Request.Context(), id, status, c.Query("actor"))
	if err != nil {
		respondError(c, h.logger, "Failed to move ticket", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ArchiveTicket 归档工单（幂等）
// @Summary 归档工单
// @Tags 工单
// @Produce json
// @Param id path int true "工单ID"
// @Param actor query string false "操作者"
// @Success 200 {object} models.Ticket
// @Router /api/tickets/{id}/archive [post]
func (h *TicketHandler) ArchiveTicket(c *gin.Context) {
	id, ok := parseTicketID(c)
	if !ok {
		return
	}

	ticket, err := h.ticketService.ArchiveTicket(c.Request.Context(), id, c.Query("actor"))
	if err != nil {
		respondError(c, h.logger, "Failed to archive ticket", err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// ListComments 工单评论，按时间升序
// @Router /api/tickets/{id}/comments [get]
func (h *TicketHandler) ListComments(c *gin.Context) {
	id, ok := parseTicketID(c)
	if !ok {
		return
	}

	comments, err := h.ticketService.ListComments(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to list comments", err)
		return
	}

	c.JSON(http.StatusOK, comments)
}

// AddComment 添加评论并转发给当前会话
// @Summary 添加评论
// @Tags 工单
// @Accept json
// @Produce json
// @Param id path int true "工单ID"
// @Param comment body services.CommentCreateRequest true "评论"
// @Success 201 {object} services.CommentResult
// @Router /api/tickets/{id}/comments [post]
func (h *TicketHandler) AddComment(c *gin.Context) {
	id, ok := parseTicketID(c)
	if !ok {
		return
	}

	var req services.CommentCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err.Error())
		return
	}

	result, err := h.ticketService.AddComment(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, h.logger, "Failed to add comment", err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// ListEvents 工单审计事件，按时间升序
// @Router /api/tickets/{id}/events [get]
func (h *TicketHandler) ListEvents(c *gin.Context) {
	id, ok := parseTicketID(c)
	if !ok {
		return
	}

	events, err := h.ticketService.ListEvents(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to list events", err)
		return
	}

	c.JSON(http.StatusOK, events)
}

// Activity 全局活动流
// @Summary 活动流
// @Tags 工单
// @Produce json
// @Param limit query int false "1-1000，默认 250"
// @Param offset query int false "偏移"
// @Param ticket_id query int false "工单过滤"
// @Param event_type query string false "事件类型过滤"
// @Param include_archived query bool false "包含已归档工单"
// @Success 200 {array} models.ActivityEntry
// @Router /api/activity [get]
func (h *TicketHandler) Activity(c *gin.Context) {
	var q services.ActivityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "Invalid query parameters", err.Error())
		return
	}

	entries, err := h.ticketService.Activity(c.Request.Context(), q)
	if err != nil {
		respondError(c, h.logger, "Failed to load activity", err)
		return
	}

	c.JSON(http.StatusOK, entries)
}
