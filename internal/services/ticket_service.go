package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"clawboard/internal/metrics"
	"clawboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 10000
	maxAuthorLength      = 100
	maxCommentLength     = 10000

	// DefaultActor 未指明操作者时的记录名
	DefaultActor = "User"
)

// TicketService 工单管理服务：校验、持久化、自动化编排与推送
type TicketService struct {
	db           *gorm.DB
	ledger       *AuditLedger
	orchestrator *SessionOrchestrator
	broadcaster  Broadcaster
	locks        *ticketLocks
	logger       *logrus.Logger
}

// NewTicketService 创建工单服务；broadcaster 可为 nil
func NewTicketService(db *gorm.DB, ledger *AuditLedger, orchestrator *SessionOrchestrator, broadcaster Broadcaster, logger *logrus.Logger) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	if ledger == nil {
		ledger = NewAuditLedger(db)
	}
	return &TicketService{
		db:           db,
		ledger:       ledger,
		orchestrator: orchestrator,
		broadcaster:  broadcaster,
		locks:        newTicketLocks(),
		logger:       logger,
	}
}

// TicketCreateRequest 创建工单请求
type TicketCreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Assignee    string `json:"assignee"`
	Priority    string `json:"priority"`
}

// TicketUpdateRequest 更新工单请求，nil 字段保持不变
type TicketUpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Assignee    *string `json:"assignee"`
	Priority    *string `json:"priority"`
}

// TicketListRequest 工单列表请求
type TicketListRequest struct {
	Status   string `form:"status"`
	Assignee string `form:"assignee"`
	Archived bool   `form:"archived"`
}

// CommentCreateRequest 新评论
type CommentCreateRequest struct {
	Author  string `json:"author" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// MoveResult 状态变更结果
type MoveResult struct {
	OK       bool           `json:"ok"`
	Ticket   *models.Ticket `json:"ticket"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Pickup   PickupResult   `json:"pickup"`
	Warnings []string       `json:"warnings"`
}

// CommentResult 新评论及自动化告警
type CommentResult struct {
	Comment  *models.TicketComment `json:"comment"`
	Warnings []string              `json:"warnings"`
}

func (r *TicketCreateRequest) normalize() error {
	title, err := normalizeTitle(r.Title)
	if err != nil {
		return err
	}
	r.Title = title
	if utf8.RuneCountInString(r.Description) > maxDescriptionLength {
		return invalid("description", "too long")
	}
	r.Assignee = normalizeAssignee(r.Assignee)
	if r.Priority == "" {
		r.Priority = models.PriorityMedium
	}
	if !IsValidPriority(r.Priority) {
		return invalid("priority", "must be one of %s", strings.Join(Priorities, ", "))
	}
	return nil
}

func (r *TicketUpdateRequest) normalize() error {
	if r.Title != nil {
		title, err := normalizeTitle(*r.Title)
		if err != nil {
			return err
		}
		r.Title = &title
	}
	if r.Description != nil && utf8.RuneCountInString(*r.Description) > maxDescriptionLength {
		return invalid("description", "too long")
	}
	if r.Assignee != nil {
		a := normalizeAssignee(*r.Assignee)
		r.Assignee = &a
	}
	if r.Priority != nil && !IsValidPriority(*r.Priority) {
		return invalid("priority", "must be one of %s", strings.Join(Priorities, ", "))
	}
	return nil
}

func (r *CommentCreateRequest) normalize() error {
	r.Author = strings.TrimSpace(r.Author)
	if r.Author == "" {
		return invalid("author", "is required")
	}
	if utf8.RuneCountInString(r.Author) > maxAuthorLength {
		return invalid("author", "too long")
	}
	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		return invalid("content", "is required")
	}
	if utf8.RuneCountInString(r.Content) > maxCommentLength {
		return invalid("content", "too long")
	}
	return nil
}

func normalizeTitle(title string) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return "", invalid("title", "is required")
	}
	if utf8.RuneCountInString(t) > maxTitleLength {
		return "", invalid("title", "too long")
	}
	return t, nil
}

func normalizeAssignee(assignee string) string {
	a := strings.TrimSpace(assignee)
	if a == "" {
		return models.Unassigned
	}
	return a
}

func normalizeActor(actor string) string {
	a := strings.TrimSpace(actor)
	if a == "" {
		return DefaultActor
	}
	return a
}

// CreateTicket 创建工单，初始状态 Plan
func (s *TicketService) CreateTicket(ctx context.Context, req *TicketCreateRequest) (*models.Ticket, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	ticket := &models.Ticket{
		Title:       req.Title,
		Description: req.Description,
		Status:      models.StatusPlan,
		Assignee:    req.Assignee,
		Priority:    req.Priority,
	}

	var event *models.TicketEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ticket).Error; err != nil {
			return fmt.Errorf("failed to create ticket: %w", err)
		}
		var err error
		event, err = s.ledger.AppendEvent(tx, ticket.ID, models.EventTicketCreated, DefaultActor, "Created ticket: "+ticket.Title)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"ticket_id": ticket.ID, "assignee": ticket.Assignee}).Info("ticket created")

	s.broadcast(TicketMessage(MessageTicketCreated, ticket), EventMessage(*event))
	return ticket, nil
}

// GetTicket 根据 ID 获取工单
func (s *TicketService) GetTicket(ctx context.Context, id uint) (*models.Ticket, error) {
	return s.loadTicket(s.db.WithContext(ctx), id)
}

func (s *TicketService) loadTicket(db *gorm.DB, id uint) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := db.First(&ticket, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to load ticket %d: %w", id, err)
	}
	return &ticket, nil
}

// ListTickets 未归档工单按优先级、更新时间排序；归档工单按归档时间倒序
func (s *TicketService) ListTickets(ctx context.Context, req *TicketListRequest) ([]models.Ticket, error) {
	query := s.db.WithContext(ctx).Model(&models.Ticket{})

	if req.Status != "" {
		if !IsValidStatus(req.Status) {
			return nil, invalid("status", "must be one of %s", strings.Join(Statuses, ", "))
		}
		query = query.Where("status = ?", req.Status)
	}
	if a := strings.TrimSpace(req.Assignee); a != "" {
		query = query.Where("assignee = ?", a)
	}

	if req.Archived {
		query = query.Where("archived_at IS NOT NULL").Order("archived_at DESC, updated_at DESC")
	} else {
		query = query.Where("archived_at IS NULL")
	}

	var tickets []models.Ticket
	if err := query.Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}

	if !req.Archived {
		sort.SliceStable(tickets, func(i, j int) bool {
			ri, rj := priorityRank(tickets[i].Priority), priorityRank(tickets[j].Priority)
			if ri != rj {
				return ri < rj
			}
			return tickets[i].UpdatedAt.After(tickets[j].UpdatedAt)
		})
	}
	return tickets, nil
}

// UpdateTicket 修改标题、描述、负责人或优先级；不触发自动化
func (s *TicketService) UpdateTicket(ctx context.Context, id uint, req *TicketUpdateRequest) (*models.Ticket, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	ticket, err := s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	var changes []string
	track := func(column, name, current string, next *string) {
		if next != nil && *next != current {
			updates[column] = *next
			changes = append(changes, fmt.Sprintf("%s: %s -> %s", name, current, *next))
		}
	}
	track("title", "title", ticket.Title, req.Title)
	track("description", "description", ticket.Description, req.Description)
	track("assignee", "assignee", ticket.Assignee, req.Assignee)
	track("priority", "priority", ticket.Priority, req.Priority)

	if len(updates) == 0 {
		return ticket, nil
	}

	var event *models.TicketEvent
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(ticket).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update ticket: %w", err)
		}
		var err error
		event, err = s.ledger.AppendEvent(tx, id, models.EventTicketUpdated, DefaultActor, strings.Join(changes, "; "))
		return err
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("ticket_id", id).Infof("ticket updated: %s", strings.Join(changes, "; "))

	s.broadcast(TicketMessage(MessageTicketUpdated, updated), EventMessage(*event))
	return updated, nil
}

// MoveTicket 校验并执行状态变更，随后交给编排器处理 agent 会话。
// 自动化失败只体现在事件与 warnings 中，状态变更本身不回滚。
func (s *TicketService) MoveTicket(ctx context.Context, id uint, target, actor string) (*MoveResult, error) {
	actor = normalizeActor(actor)
	target = strings.TrimSpace(target)

	unlock := s.locks.Lock(id)
	defer unlock()

	ticket, err := s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateMove(ticket, target); err != nil {
		return nil, err
	}

	from := ticket.Status
	result := &MoveResult{OK: true, Ticket: ticket, From: from, To: target, Warnings: []string{}}
	if from == target {
		return result, nil
	}

	moved := *ticket
	moved.Status = target

	// 离开派发状态只需停用会话，不访问网关，与状态变更同一事务提交
	folded := !IsAutomationStatus(target)
	var outcome AutomationOutcome
	if folded && s.orchestrator != nil {
		outcome = s.orchestrator.OnStatusChange(ctx, &moved, from, actor)
	}

	var (
		moveEvent *models.TicketEvent
		events    []models.TicketEvent
		comments  []models.TicketComment
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"status": target}
		if outcome.KeyChange == KeyCleared {
			updates["agent_session_key"] = nil
		}
		if err := tx.Model(ticket).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to move ticket: %w", err)
		}
		var err error
		if moveEvent, err = s.ledger.AppendEvent(tx, id, models.EventTicketMoved, actor, fmt.Sprintf("%s -> %s", from, target)); err != nil {
			return err
		}
		events, comments, err = s.ledger.ApplyDrafts(tx, id, outcome)
		return err
	})
	if err != nil {
		return nil, err
	}
	countAutomationEvents(events)

	s.logger.WithFields(logrus.Fields{"ticket_id": id, "from": from, "to": target, "actor": actor}).Info("ticket moved")

	// 网关已产生副作用后，落库不再受调用方取消影响
	persistCtx := context.WithoutCancel(ctx)
	if !folded && s.orchestrator != nil {
		outcome = s.orchestrator.OnStatusChange(ctx, &moved, from, actor)
		var applyErr error
		events, comments, applyErr = s.applyOutcome(persistCtx, id, outcome)
		if applyErr != nil {
			outcome.Warnings = append(outcome.Warnings, applyErr.Error())
		}
	}
	result.Pickup = outcome.Pickup
	result.Warnings = append(result.Warnings, outcome.Warnings...)

	final, err := s.GetTicket(persistCtx, id)
	if err != nil {
		return nil, err
	}
	result.Ticket = final

	messages := []BroadcastMessage{
		TicketMovedMessage(final, from, target),
		TicketMessage(MessageTicketUpdated, final),
		EventMessage(*moveEvent),
	}
	for _, e := range events {
		messages = append(messages, EventMessage(e))
	}
	for _, c := range comments {
		messages = append(messages, CommentMessage(id, c))
	}
	s.broadcast(messages...)
	return result, nil
}

// ArchiveTicket 归档工单并停用其会话；重复归档直接返回
func (s *TicketService) ArchiveTicket(ctx context.Context, id uint, actor string) (*models.Ticket, error) {
	actor = normalizeActor(actor)

	unlock := s.locks.Lock(id)
	defer unlock()

	ticket, err := s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.IsArchived() {
		return ticket, nil
	}

	var outcome AutomationOutcome
	if s.orchestrator != nil {
		outcome = s.orchestrator.OnArchive(ticket, actor)
	}

	var events []models.TicketEvent
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		updates := map[string]interface{}{"archived_at": &now}
		if outcome.KeyChange == KeyCleared {
			updates["agent_session_key"] = nil
		}
		if err := tx.Model(ticket).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to archive ticket: %w", err)
		}
		archived, err := s.ledger.AppendEvent(tx, id, models.EventTicketArchived, actor, "Archived from "+ticket.Status)
		if err != nil {
			return err
		}
		rest, _, err := s.ledger.ApplyDrafts(tx, id, outcome)
		if err != nil {
			return err
		}
		events = append([]models.TicketEvent{*archived}, rest...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	countAutomationEvents(events[1:])

	final, err := s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"ticket_id": id, "actor": actor}).Info("ticket archived")

	messages := []BroadcastMessage{
		TicketMessage(MessageTicketArchived, final),
		TicketMessage(MessageTicketUpdated, final),
	}
	for _, e := range events {
		messages = append(messages, EventMessage(e))
	}
	s.broadcast(messages...)
	return final, nil
}

// AddComment 追加评论并把内容转发给工单当前的 agent 会话
func (s *TicketService) AddComment(ctx context.Context, id uint, req *CommentCreateRequest) (*CommentResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	ticket, err := s.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.IsArchived() {
		return nil, &ArchivedError{Op: "comment on"}
	}

	var comment *models.TicketComment
	var commentEvent *models.TicketEvent
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if comment, err = s.ledger.AppendComment(tx, id, req.Author, req.Content); err != nil {
			return err
		}
		commentEvent, err = s.ledger.AppendEvent(tx, id, models.EventCommentAdded, req.Author, commentPreview(req.Content))
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &CommentResult{Comment: comment, Warnings: []string{}}

	var outcome AutomationOutcome
	if s.orchestrator != nil {
		outcome = s.orchestrator.OnComment(ctx, ticket, comment)
	}
	persistCtx := context.WithoutCancel(ctx)
	events, _, applyErr := s.applyOutcome(persistCtx, id, outcome)
	result.Warnings = append(result.Warnings, outcome.Warnings...)
	if applyErr != nil {
		result.Warnings = append(result.Warnings, applyErr.Error())
	}

	messages := []BroadcastMessage{CommentMessage(id, *comment), EventMessage(*commentEvent)}
	for _, e := range events {
		messages = append(messages, EventMessage(e))
	}
	if outcome.KeyChange != KeyUnchanged && applyErr == nil {
		if updated, err := s.GetTicket(persistCtx, id); err == nil {
			messages = append(messages, TicketMessage(MessageTicketUpdated, updated))
		}
	}
	s.broadcast(messages...)
	return result, nil
}

// ListComments 工单评论，升序
func (s *TicketService) ListComments(ctx context.Context, id uint) ([]models.TicketComment, error) {
	if _, err := s.GetTicket(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.TicketComments(ctx, id)
}

// ListEvents 工单审计事件，升序
func (s *TicketService) ListEvents(ctx context.Context, id uint) ([]models.TicketEvent, error) {
	if _, err := s.GetTicket(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.TicketEvents(ctx, id)
}

// Activity 跨工单活动流
func (s *TicketService) Activity(ctx context.Context, q ActivityQuery) ([]models.ActivityEntry, error) {
	return s.ledger.Activity(ctx, q)
}

// applyOutcome 在一个事务中写入会话 key 变更、事件与系统评论
func (s *TicketService) applyOutcome(ctx context.Context, id uint, out AutomationOutcome) ([]models.TicketEvent, []models.TicketComment, error) {
	if out.KeyChange == KeyUnchanged && len(out.Events) == 0 && len(out.Comments) == 0 {
		return nil, nil, nil
	}

	var events []models.TicketEvent
	var comments []models.TicketComment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch out.KeyChange {
		case KeySet:
			if err := tx.Model(&models.Ticket{ID: id}).Update("agent_session_key", out.SessionKey).Error; err != nil {
				return fmt.Errorf("failed to store session key: %w", err)
			}
		case KeyCleared:
			if err := tx.Model(&models.Ticket{ID: id}).Update("agent_session_key", nil).Error; err != nil {
				return fmt.Errorf("failed to clear session key: %w", err)
			}
		}
		var err error
		events, comments, err = s.ledger.ApplyDrafts(tx, id, out)
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithField("ticket_id", id).Error("failed to record automation outcome")
		return nil, nil, fmt.Errorf("failed to record automation outcome: %w", err)
	}
	countAutomationEvents(events)
	return events, comments, nil
}

// countAutomationEvents 只统计已提交的编排事件
func countAutomationEvents(events []models.TicketEvent) {
	for _, e := range events {
		metrics.IncAutomationEvent(e.EventType)
	}
}

func (s *TicketService) broadcast(messages ...BroadcastMessage) {
	if s.broadcaster == nil {
		return
	}
	for _, m := range messages {
		s.broadcaster.Broadcast(m)
	}
}
