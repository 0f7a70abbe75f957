package models

import (
	"time"
)

// 工单状态（有序）
const (
	StatusTodo       = "Todo"
	StatusPlan       = "Plan"
	StatusInProgress = "In Progress"
	StatusReview     = "Review"
	StatusDone       = "Done"
)

// 工单优先级
const (
	PriorityCritical = "Critical"
	PriorityHigh     = "High"
	PriorityMedium   = "Medium"
	PriorityLow      = "Low"
)

// Unassigned 未指派时的占位负责人
const Unassigned = "Unassigned"

// 审计事件类型
const (
	EventTicketCreated                    = "ticket_created"
	EventTicketUpdated                    = "ticket_updated"
	EventTicketMoved                      = "ticket_moved"
	EventTicketArchived                   = "ticket_archived"
	EventCommentAdded                     = "comment_added"
	EventAgentSpawned                     = "agent_spawned"
	EventAgentSpawnFailed                 = "agent_spawn_failed"
	EventAgentReused                      = "agent_reused"
	EventAgentSessionDeactivated          = "agent_session_deactivated"
	EventAgentNotified                    = "agent_notified"
	EventAgentNotifyFailed                = "agent_notify_failed"
	EventAgentRespawnedAfterNotifyFailure = "agent_respawned_after_notify_failure"
)

// Ticket 看板工单
type Ticket struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Title           string     `gorm:"size:200;not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	Status          string     `gorm:"size:32;index;not null" json:"status"`
	Assignee        string     `gorm:"size:100;index;default:'Unassigned'" json:"assignee"`
	Priority        string     `gorm:"size:16;default:'Medium'" json:"priority"`
	AgentSessionKey *string    `gorm:"size:255;index" json:"agent_session_key"`
	ArchivedAt      *time.Time `gorm:"index" json:"archived_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SessionKey 返回当前会话 key，未绑定时为空串
func (t *Ticket) SessionKey() string {
	if t.AgentSessionKey == nil {
		return ""
	}
	return *t.AgentSessionKey
}

// IsArchived 是否已归档
func (t *Ticket) IsArchived() bool {
	return t.ArchivedAt != nil
}

// TicketEvent 只追加的审计记录
type TicketEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index;not null" json:"ticket_id"`
	EventType string    `gorm:"size:64;index;not null" json:"event_type"`
	Actor     string    `gorm:"size:100" json:"actor"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TicketComment 工单评论（只追加）
type TicketComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index;not null" json:"ticket_id"`
	Author    string    `gorm:"size:100;not null" json:"author"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityEntry 活动流条目（事件 + 工单快照）
type ActivityEntry struct {
	ID               uint       `json:"id"`
	TicketID         uint       `json:"ticket_id"`
	EventType        string     `json:"event_type"`
	Actor            string     `json:"actor"`
	Details          string     `json:"details"`
	CreatedAt        time.Time  `json:"created_at"`
	TicketTitle      string     `json:"ticket_title"`
	TicketStatus     string     `json:"ticket_status"`
	TicketAssignee   string     `json:"ticket_assignee"`
	TicketPriority   string     `json:"ticket_priority"`
	TicketArchivedAt *time.Time `json:"ticket_archived_at"`
}

// AllModels 需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{&Ticket{}, &TicketEvent{}, &TicketComment{}}
}
