package services

import (
	"context"
	"fmt"
	"strings"

	"clawboard/internal/models"
	"clawboard/pkg/openclaw"

	"github.com/sirupsen/logrus"
)

// SystemActor 系统生成的评论与事件的作者
const SystemActor = "System"

// SessionKeyChange 自动化对工单会话 key 的处理
type SessionKeyChange int

const (
	KeyUnchanged SessionKeyChange = iota
	KeySet
	KeyCleared
)

// EventDraft 待写入的审计事件
type EventDraft struct {
	Type    string
	Actor   string
	Details string
}

// CommentDraft 待写入的系统评论
type CommentDraft struct {
	Author  string
	Content string
}

// PickupResult 状态变更触发的派发结果，原样返回给调用方
type PickupResult struct {
	Attempted  bool   `json:"attempted"`
	Spawned    bool   `json:"spawned"`
	Reused     bool   `json:"reused,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AutomationOutcome 编排结果。编排器不直接落库，由 TicketService 在同一事务中应用。
type AutomationOutcome struct {
	KeyChange  SessionKeyChange
	SessionKey string
	Events     []EventDraft
	Comments   []CommentDraft
	Warnings   []string
	Pickup     PickupResult
}

func (o *AutomationOutcome) event(eventType, actor, details string) {
	o.Events = append(o.Events, EventDraft{Type: eventType, Actor: actor, Details: details})
}

func (o *AutomationOutcome) systemComment(content string) {
	o.Comments = append(o.Comments, CommentDraft{Author: SystemActor, Content: content})
}

// probeResult 会话存活探测结果
type probeResult int

const (
	probeNoKey probeResult = iota
	probeLive
	probeNotLive
	probeMissing
	probeFailed
)

type pickupAction int

const (
	actionSpawn pickupAction = iota
	actionReuse
)

// pickupDecision 只有探测确认存活才复用，其余情况一律新建
var pickupDecision = map[probeResult]pickupAction{
	probeNoKey:   actionSpawn,
	probeLive:    actionReuse,
	probeNotLive: actionSpawn,
	probeMissing: actionSpawn,
	probeFailed:  actionSpawn,
}

// notifyOutcome 评论转发的最终结果
type notifyOutcome int

const (
	notifyDelivered notifyOutcome = iota
	notifyRespawnFailed
	notifyRetryFailed
	notifyRespawnDelivered
)

// notifyEvents 每种结果对应的事件序列
var notifyEvents = map[notifyOutcome][]string{
	notifyDelivered:        {models.EventAgentNotified},
	notifyRespawnFailed:    {models.EventAgentNotifyFailed},
	notifyRetryFailed:      {models.EventAgentNotifyFailed},
	notifyRespawnDelivered: {models.EventAgentRespawnedAfterNotifyFailure, models.EventAgentNotified},
}

var liveSessionStatuses = map[string]bool{
	"":        true,
	"running": true,
	"active":  true,
	"idle":    true,
	"queued":  true,
	"started": true,
}

// IsLiveSessionStatus 会话状态是否视为存活
func IsLiveSessionStatus(status string) bool {
	return liveSessionStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// 派发失败原因
const (
	reasonNoAssignee    = "No assignee"
	reasonNoToken       = "OPENCLAW_TOKEN is not configured"
	reasonNoAgentFormat = "No configured gateway agent found for assignee '%s'"
)

type spawnAttempt struct {
	attempted bool
	ok        bool
	key       string
	agentID   string
	runID     string
	reason    string
}

// SessionOrchestrator 决定工单的 agent 会话是新建、复用、重建还是停用
type SessionOrchestrator struct {
	gateway    openclaw.GatewayInterface
	directory  *AgentDirectory
	apiBaseURL string
	enabled    bool
	logger     *logrus.Logger
}

// NewSessionOrchestrator 创建编排器
func NewSessionOrchestrator(gateway openclaw.GatewayInterface, directory *AgentDirectory, apiBaseURL string, enabled bool, logger *logrus.Logger) *SessionOrchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionOrchestrator{
		gateway:    gateway,
		directory:  directory,
		apiBaseURL: apiBaseURL,
		enabled:    enabled,
		logger:     logger,
	}
}

// OnStatusChange 处理状态变更。ticket 已是变更后的状态。
func (o *SessionOrchestrator) OnStatusChange(ctx context.Context, ticket *models.Ticket, from, actor string) AutomationOutcome {
	var out AutomationOutcome
	to := ticket.Status
	if from == to {
		return out
	}

	if !IsAutomationStatus(to) {
		if key := ticket.SessionKey(); key != "" {
			o.deactivate(&out, key, actor, fmt.Sprintf("Cleared session %s after move to %s", key, to))
		}
		return out
	}

	if !o.enabled {
		return out
	}
	o.pickup(ctx, &out, ticket, to, actor)
	return out
}

// OnArchive 归档时停用会话
func (o *SessionOrchestrator) OnArchive(ticket *models.Ticket, actor string) AutomationOutcome {
	var out AutomationOutcome
	if key := ticket.SessionKey(); key != "" {
		o.deactivate(&out, key, actor, fmt.Sprintf("Cleared session %s on archive", key))
	}
	return out
}

func (o *SessionOrchestrator) deactivate(out *AutomationOutcome, key, actor, details string) {
	out.KeyChange = KeyCleared
	out.event(models.EventAgentSessionDeactivated, actor, details)
	o.logger.WithField("session_key", key).Info("agent session deactivated")
}

func (o *SessionOrchestrator) pickup(ctx context.Context, out *AutomationOutcome, ticket *models.Ticket, status, actor string) {
	key := ticket.SessionKey()
	probe := o.probe(ctx, key)

	if pickupDecision[probe] == actionReuse {
		out.Pickup = PickupResult{Reused: true, SessionKey: key}
		out.event(models.EventAgentReused, actor, fmt.Sprintf("Reusing live session %s on status %s", key, status))
		o.logger.WithFields(logrus.Fields{"ticket_id": ticket.ID, "session_key": key}).Info("agent session reused")
		return
	}

	spawn := o.spawn(ctx, ticket, status)
	out.Pickup = PickupResult{
		Attempted:  spawn.attempted,
		Spawned:    spawn.ok,
		SessionKey: spawn.key,
		AgentID:    spawn.agentID,
		RunID:      spawn.runID,
		Reason:     spawn.reason,
	}
	if !spawn.ok {
		out.Warnings = append(out.Warnings, spawn.reason)
		out.event(models.EventAgentSpawnFailed, actor, spawn.reason)
		out.systemComment(pickupFailedComment(spawn.reason))
		return
	}

	out.KeyChange = KeySet
	out.SessionKey = spawn.key
	out.event(models.EventAgentSpawned, actor,
		fmt.Sprintf("Assignee %s mapped to %s session=%s on status %s", ticket.Assignee, spawn.agentID, spawn.key, status))
	out.systemComment(pickupStartedComment(ticket.Assignee, status, spawn.key))
}

func (o *SessionOrchestrator) probe(ctx context.Context, key string) probeResult {
	if key == "" {
		return probeNoKey
	}
	if !o.gateway.Configured() {
		return probeFailed
	}
	session, err := o.gateway.FindSession(ctx, key)
	if err != nil {
		o.logger.WithError(err).WithField("session_key", key).Warn("session liveness probe failed")
		return probeFailed
	}
	if session == nil {
		return probeMissing
	}
	if IsLiveSessionStatus(session.Status) {
		return probeLive
	}
	return probeNotLive
}

func (o *SessionOrchestrator) spawn(ctx context.Context, ticket *models.Ticket, status string) spawnAttempt {
	if !o.gateway.Configured() {
		return spawnAttempt{reason: reasonNoToken}
	}
	assignee := strings.TrimSpace(ticket.Assignee)
	if isUnassigned(assignee) {
		return spawnAttempt{reason: reasonNoAssignee}
	}
	agentID, ok := o.directory.ResolveAgent(ctx, assignee)
	if !ok {
		return spawnAttempt{reason: fmt.Sprintf(reasonNoAgentFormat, assignee)}
	}

	res, err := o.gateway.SpawnSession(ctx, openclaw.SpawnRequest{
		AgentID: agentID,
		Task:    BuildSpawnPrompt(ticket, status, o.apiBaseURL),
		Label:   SessionLabel(ticket.ID),
		Cleanup: "keep",
	})
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{"ticket_id": ticket.ID, "agent_id": agentID}).Warn("sessions_spawn failed")
		return spawnAttempt{attempted: true, agentID: agentID, reason: err.Error()}
	}
	o.logger.WithFields(logrus.Fields{
		"ticket_id":   ticket.ID,
		"agent_id":    agentID,
		"session_key": res.SessionKey,
	}).Info("agent session spawned")
	return spawnAttempt{attempted: true, ok: true, key: res.SessionKey, agentID: agentID, runID: res.RunID}
}

// OnComment 把新评论转发给当前会话；失败时重建一次会话并重试一次
func (o *SessionOrchestrator) OnComment(ctx context.Context, ticket *models.Ticket, comment *models.TicketComment) AutomationOutcome {
	var out AutomationOutcome
	key := ticket.SessionKey()
	if !o.enabled || !IsAutomationStatus(ticket.Status) || key == "" || !o.gateway.Configured() {
		return out
	}
	if strings.EqualFold(strings.TrimSpace(comment.Author), strings.TrimSpace(ticket.Assignee)) {
		return out
	}

	message := BuildFollowupPrompt(ticket, comment, o.apiBaseURL)
	sendErr := o.send(ctx, key, message)
	if sendErr == nil {
		o.recordNotify(&out, notifyDelivered, fmt.Sprintf("Forwarded comment to session %s", key))
		return out
	}

	spawn := o.spawn(ctx, ticket, ticket.Status)
	if !spawn.ok {
		reason := fmt.Sprintf("sessions_send failed: %v; respawn failed: %s", sendErr, spawn.reason)
		out.Warnings = append(out.Warnings, reason)
		o.recordNotify(&out, notifyRespawnFailed, reason)
		return out
	}

	if retryErr := o.send(ctx, spawn.key, message); retryErr != nil {
		reason := fmt.Sprintf("sessions_send failed: %v; retry on respawned session %s failed: %v", sendErr, spawn.key, retryErr)
		out.Warnings = append(out.Warnings, reason)
		o.recordNotify(&out, notifyRetryFailed, reason)
		return out
	}

	out.KeyChange = KeySet
	out.SessionKey = spawn.key
	o.recordNotify(&out, notifyRespawnDelivered,
		fmt.Sprintf("Session %s unreachable (%v); respawned as %s", key, sendErr, spawn.key),
		fmt.Sprintf("Forwarded comment to session %s", spawn.key))
	return out
}

func (o *SessionOrchestrator) send(ctx context.Context, key, message string) error {
	return o.gateway.SendToSession(ctx, openclaw.SendRequest{SessionKey: key, Message: message})
}

// recordNotify 按 notifyEvents 表写事件，details 与事件一一对应
func (o *SessionOrchestrator) recordNotify(out *AutomationOutcome, outcome notifyOutcome, details ...string) {
	for i, eventType := range notifyEvents[outcome] {
		d := ""
		if i < len(details) {
			d = details[i]
		}
		out.event(eventType, SystemActor, d)
	}
}
