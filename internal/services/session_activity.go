package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clawboard/internal/models"
	"clawboard/pkg/openclaw"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"gorm.io/gorm"
)

// SessionActivityConfig 会话活动聚合参数
type SessionActivityConfig struct {
	DefaultLimit   int
	MaxLimit       int
	HistoryLimit   int
	MaxRuns        int
	MaxConcurrency int
	HistoryTimeout time.Duration
}

// DefaultSessionActivityConfig 默认聚合参数
func DefaultSessionActivityConfig() SessionActivityConfig {
	return SessionActivityConfig{
		DefaultLimit:   20,
		MaxLimit:       100,
		HistoryLimit:   120,
		MaxRuns:        DefaultMaxRuns,
		MaxConcurrency: 6,
		HistoryTimeout: 15 * time.Second,
	}
}

// SessionActivityQuery GET /api/sessions/activity 的查询参数
type SessionActivityQuery struct {
	Limit        int `form:"limit"`
	HistoryLimit int `form:"history_limit"`
	MaxRuns      int `form:"max_runs"`
}

// LinkedTicket 与会话关联的工单摘要
type LinkedTicket struct {
	ID       uint   `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Assignee string `json:"assignee"`
	Current  bool   `json:"current"`
}

// SessionActivity 单个会话的活动视图
type SessionActivity struct {
	Key           string         `json:"key"`
	Kind          string         `json:"kind"`
	Channel       string         `json:"channel"`
	DisplayName   string         `json:"displayName"`
	Model         string         `json:"model"`
	Status        string         `json:"status"`
	UpdatedAt     *time.Time     `json:"updatedAt"`
	AgentID       string         `json:"agentId"`
	LinkedTickets []LinkedTicket `json:"linkedTickets"`
	Runs          []CommandRun   `json:"runs"`
	HistoryError  string         `json:"historyError,omitempty"`
}

// SessionActivityService 聚合网关会话与命令执行记录
type SessionActivityService struct {
	db            *gorm.DB
	gateway       openclaw.GatewayInterface
	reconstructor *ActivityReconstructor
	config        SessionActivityConfig
	logger        *logrus.Logger
}

// NewSessionActivityService 创建会话活动服务
func NewSessionActivityService(db *gorm.DB, gateway openclaw.GatewayInterface, reconstructor *ActivityReconstructor, config SessionActivityConfig, logger *logrus.Logger) *SessionActivityService {
	defaults := DefaultSessionActivityConfig()
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaults.DefaultLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = defaults.MaxLimit
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	if config.MaxRuns <= 0 {
		config.MaxRuns = defaults.MaxRuns
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.HistoryTimeout <= 0 {
		config.HistoryTimeout = defaults.HistoryTimeout
	}
	if reconstructor == nil {
		reconstructor = NewActivityReconstructor(0, config.MaxRuns)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionActivityService{
		db:            db,
		gateway:       gateway,
		reconstructor: reconstructor,
		config:        config,
		logger:        logger,
	}
}

func (s *SessionActivityService) normalize(q SessionActivityQuery) (SessionActivityQuery, error) {
	if q.Limit < 0 || q.HistoryLimit < 0 || q.MaxRuns < 0 {
		return q, invalid("limit", "limit, history_limit and max_runs must be non-negative")
	}
	if q.Limit == 0 {
		q.Limit = s.config.DefaultLimit
	}
	if q.Limit > s.config.MaxLimit {
		return q, invalid("limit", "limit must be between 1 and %d", s.config.MaxLimit)
	}
	if q.HistoryLimit == 0 {
		q.HistoryLimit = s.config.HistoryLimit
	}
	if q.MaxRuns == 0 {
		q.MaxRuns = s.config.MaxRuns
	}
	return q, nil
}

// ListSessionActivity 列出会话并并发拉取历史；单个会话失败只记录 historyError
func (s *SessionActivityService) ListSessionActivity(ctx context.Context, q SessionActivityQuery) ([]SessionActivity, error) {
	q, err := s.normalize(q)
	if err != nil {
		return nil, err
	}
	if !s.gateway.Configured() {
		return nil, openclaw.ErrNotConfigured
	}

	sessions, err := s.gateway.ListSessions(ctx, q.Limit, 0)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	linked, err := s.linkedTickets(ctx, sessions)
	if err != nil {
		return nil, err
	}

	results := make([]SessionActivity, len(sessions))
	p := pool.New().WithMaxGoroutines(s.config.MaxConcurrency)
	for i := range sessions {
		i := i
		sess := sessions[i]
		results[i] = SessionActivity{
			Key:           sess.Key,
			Kind:          sess.Kind,
			Channel:       sess.Channel,
			DisplayName:   sess.DisplayName,
			Model:         sess.Model,
			Status:        sess.Status,
			UpdatedAt:     sess.UpdatedAt,
			AgentID:       AgentIDFromSessionKey(sess.Key),
			LinkedTickets: linked[sess.Key],
			Runs:          []CommandRun{},
		}
		if results[i].LinkedTickets == nil {
			results[i].LinkedTickets = []LinkedTicket{}
		}
		p.Go(func() {
			runs, err := s.fetchRuns(ctx, sess.Key, q)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"session_key": sess.Key,
					"error":       err,
				}).Warn("Failed to load session history")
				results[i].HistoryError = err.Error()
				return
			}
			results[i].Runs = runs
		})
	}
	p.Wait()

	return results, nil
}

func (s *SessionActivityService) fetchRuns(ctx context.Context, key string, q SessionActivityQuery) ([]CommandRun, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.config.HistoryTimeout)
	defer cancel()

	messages, err := s.gateway.SessionHistory(fetchCtx, key, q.HistoryLimit, true)
	if err != nil {
		return nil, err
	}
	return s.reconstructor.Reconstruct(messages, q.MaxRuns), nil
}

// linkedTickets 通过当前会话 key 或 ticket-<id> 标签关联工单
func (s *SessionActivityService) linkedTickets(ctx context.Context, sessions []openclaw.SessionSummary) (map[string][]LinkedTicket, error) {
	out := make(map[string][]LinkedTicket)
	if len(sessions) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(sessions))
	labelIDs := make([]uint, 0)
	keyByLabelID := make(map[uint][]string)
	for _, sess := range sessions {
		keys = append(keys, sess.Key)
		if id, ok := TicketIDFromLabel(sess.Label); ok {
			labelIDs = append(labelIDs, id)
			keyByLabelID[id] = append(keyByLabelID[id], sess.Key)
		}
	}

	query := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("agent_session_key IN ?", keys)
	if len(labelIDs) > 0 {
		query = query.Or("id IN ?", labelIDs)
	}
	var tickets []models.Ticket
	if err := query.Order("id ASC").Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("load linked tickets: %w", err)
	}

	for _, t := range tickets {
		seen := make(map[string]bool)
		if key := t.SessionKey(); key != "" {
			out[key] = append(out[key], linkedTicket(t, true))
			seen[key] = true
		}
		for _, key := range keyByLabelID[t.ID] {
			if seen[key] {
				continue
			}
			seen[key] = true
			out[key] = append(out[key], linkedTicket(t, false))
		}
	}
	return out, nil
}

func linkedTicket(t models.Ticket, current bool) LinkedTicket {
	return LinkedTicket{ID: t.ID, Title: t.Title, Status: t.Status, Assignee: t.Assignee, Current: current}
}

// AgentIDFromSessionKey 解析 agent:<id>:... 形式的 key
func AgentIDFromSessionKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

// TicketIDFromLabel 解析 ticket-<id> 形式的会话标签
func TicketIDFromLabel(label string) (uint, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(label), "ticket-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
