package services

import (
	"context"
	"fmt"

	"clawboard/internal/models"

	"gorm.io/gorm"
)

const (
	DefaultActivityLimit = 250
	MaxActivityLimit     = 1000
	commentEventPreview  = 300
)

// AuditLedger 工单事件与评论的只追加存储
type AuditLedger struct {
	db *gorm.DB
}

// NewAuditLedger 创建审计账本
func NewAuditLedger(db *gorm.DB) *AuditLedger {
	return &AuditLedger{db: db}
}

// AppendEvent 在给定事务中追加事件
func (l *AuditLedger) AppendEvent(tx *gorm.DB, ticketID uint, eventType, actor, details string) (*models.TicketEvent, error) {
	event := &models.TicketEvent{
		TicketID:  ticketID,
		EventType: eventType,
		Actor:     actor,
		Details:   details,
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return event, nil
}

// AppendComment 在给定事务中追加评论
func (l *AuditLedger) AppendComment(tx *gorm.DB, ticketID uint, author, content string) (*models.TicketComment, error) {
	comment := &models.TicketComment{
		TicketID: ticketID,
		Author:   author,
		Content:  content,
	}
	if err := tx.Create(comment).Error; err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}
	return comment, nil
}

// ApplyDrafts 按顺序写入编排结果中的事件和评论
func (l *AuditLedger) ApplyDrafts(tx *gorm.DB, ticketID uint, out AutomationOutcome) ([]models.TicketEvent, []models.TicketComment, error) {
	events := make([]models.TicketEvent, 0, len(out.Events))
	for _, d := range out.Events {
		e, err := l.AppendEvent(tx, ticketID, d.Type, d.Actor, d.Details)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, *e)
	}
	comments := make([]models.TicketComment, 0, len(out.Comments))
	for _, d := range out.Comments {
		c, err := l.AppendComment(tx, ticketID, d.Author, d.Content)
		if err != nil {
			return nil, nil, err
		}
		comments = append(comments, *c)
	}
	return events, comments, nil
}

// TicketEvents 工单的完整历史，按创建顺序
func (l *AuditLedger) TicketEvents(ctx context.Context, ticketID uint) ([]models.TicketEvent, error) {
	var events []models.TicketEvent
	err := l.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// TicketComments 工单评论，按时间升序
func (l *AuditLedger) TicketComments(ctx context.Context, ticketID uint) ([]models.TicketComment, error) {
	var comments []models.TicketComment
	err := l.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC, id ASC").
		Find(&comments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}

// ActivityQuery 活动流查询参数
type ActivityQuery struct {
	Limit           int    `form:"limit,default=250"`
	Offset          int    `form:"offset"`
	TicketID        *uint  `form:"ticket_id"`
	EventType       string `form:"event_type"`
	IncludeArchived bool   `form:"include_archived"`
}

// Validate 检查分页参数
func (q *ActivityQuery) Validate() error {
	if q.Limit < 1 || q.Limit > MaxActivityLimit {
		return invalid("limit", "must be between 1 and %d", MaxActivityLimit)
	}
	if q.Offset < 0 {
		return invalid("offset", "must be >= 0")
	}
	return nil
}

// Activity 跨工单的事件流，附带工单当前快照，最新的在前
func (l *AuditLedger) Activity(ctx context.Context, q ActivityQuery) ([]models.ActivityEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	query := l.db.WithContext(ctx).
		Table("ticket_events AS e").
		Select("e.id, e.ticket_id, e.event_type, e.actor, e.details, e.created_at, " +
			"t.title AS ticket_title, t.status AS ticket_status, t.assignee AS ticket_assignee, " +
			"t.priority AS ticket_priority, t.archived_at AS ticket_archived_at").
		Joins("JOIN tickets AS t ON t.id = e.ticket_id")

	if !q.IncludeArchived {
		query = query.Where("t.archived_at IS NULL")
	}
	if q.TicketID != nil {
		query = query.Where("e.ticket_id = ?", *q.TicketID)
	}
	if q.EventType != "" {
		query = query.Where("e.event_type = ?", q.EventType)
	}

	var entries []models.ActivityEntry
	err := query.Order("e.created_at DESC, e.id DESC").
		Limit(q.Limit).
		Offset(q.Offset).
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return entries, nil
}

func commentPreview(content string) string {
	r := []rune(content)
	if len(r) <= commentEventPreview {
		return content
	}
	return string(r[:commentEventPreview])
}
