package services

import (
	"fmt"
	"strings"

	"clawboard/internal/models"
)

// Statuses 看板列，按显示顺序
var Statuses = []string{
	models.StatusTodo,
	models.StatusPlan,
	models.StatusInProgress,
	models.StatusReview,
	models.StatusDone,
}

// Priorities 优先级，按紧急程度排序
var Priorities = []string{
	models.PriorityCritical,
	models.PriorityHigh,
	models.PriorityMedium,
	models.PriorityLow,
}

// AutomationStatuses 进入后需要 agent 会话处理的状态
var AutomationStatuses = []string{models.StatusPlan, models.StatusInProgress}

var allowedTransitions = map[string]map[string]bool{
	models.StatusPlan:       set(models.StatusTodo, models.StatusInProgress, models.StatusReview, models.StatusDone),
	models.StatusTodo:       set(models.StatusPlan, models.StatusInProgress, models.StatusReview, models.StatusDone),
	models.StatusInProgress: set(models.StatusPlan, models.StatusTodo, models.StatusReview, models.StatusDone),
	models.StatusReview:     set(models.StatusPlan, models.StatusTodo, models.StatusInProgress, models.StatusDone),
	models.StatusDone:       set(models.StatusPlan, models.StatusTodo, models.StatusReview),
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// TransitionErrorKind 状态变更失败类型
type TransitionErrorKind int

const (
	InvalidStatus TransitionErrorKind = iota
	IllegalTransition
)

func (k TransitionErrorKind) String() string {
	switch k {
	case InvalidStatus:
		return "invalid_status"
	case IllegalTransition:
		return "illegal_transition"
	default:
		return "unknown"
	}
}

// TransitionError 状态变更被拒绝
type TransitionError struct {
	Kind TransitionErrorKind
	From string
	To   string
}

func (e *TransitionError) Error() string {
	if e.Kind == InvalidStatus {
		return fmt.Sprintf("status must be one of %s", strings.Join(Statuses, ", "))
	}
	return fmt.Sprintf("invalid transition from '%s' to '%s'", e.From, e.To)
}

// ValidateTransition 校验状态图；同状态视为合法的空操作
func ValidateTransition(current, target string) error {
	if !IsValidStatus(target) {
		return &TransitionError{Kind: InvalidStatus, From: current, To: target}
	}
	if current == target {
		return nil
	}
	if !allowedTransitions[current][target] {
		return &TransitionError{Kind: IllegalTransition, From: current, To: target}
	}
	return nil
}

// ValidateMove 在状态图校验之前先拒绝已归档工单
func ValidateMove(ticket *models.Ticket, target string) error {
	if ticket.IsArchived() {
		return &ArchivedError{Op: "move"}
	}
	return ValidateTransition(ticket.Status, target)
}

func IsValidStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func IsValidPriority(priority string) bool {
	for _, p := range Priorities {
		if p == priority {
			return true
		}
	}
	return false
}

// IsAutomationStatus 是否属于自动派发状态
func IsAutomationStatus(status string) bool {
	return status == models.StatusPlan || status == models.StatusInProgress
}

// priorityRank 列表排序用，越小越靠前
func priorityRank(priority string) int {
	for i, p := range Priorities {
		if p == priority {
			return i
		}
	}
	return len(Priorities)
}
