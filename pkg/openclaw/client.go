package openclaw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotConfigured 未配置网关 token
var ErrNotConfigured = errors.New("OPENCLAW_TOKEN is not configured")

// GatewayError 网关调用失败（网络、非 200、非法 JSON、ok=false 或嵌套错误）
type GatewayError struct {
	Tool       string
	Reason     string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string { return e.Reason }

func (e *GatewayError) Unwrap() error { return e.Err }

// GatewayInterface agent 网关客户端接口
type GatewayInterface interface {
	Configured() bool

	InvokeTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (*ToolResult, error)

	// agent 目录
	ListAgents(ctx context.Context) ([]AgentRecord, error)

	// 会话管理
	SpawnSession(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
	SendToSession(ctx context.Context, req SendRequest) error
	ListSessions(ctx context.Context, limit, messageLimit int) ([]SessionSummary, error)
	FindSession(ctx context.Context, key string) (*SessionSummary, error)
	SessionHistory(ctx context.Context, key string, limit int, includeTools bool) ([]HistoryMessage, error)
}

// Client OpenClaw 网关 HTTP 客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

var _ GatewayInterface = (*Client)(nil)

// NewClient 创建网关客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	base := config.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   strings.TrimSpace(config.Token),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(base),
		},
		logger: logger,
		config: config,
	}
}

// Configured 是否配置了 token
func (c *Client) Configured() bool {
	return c.token != ""
}

// InvokeTool 调用 POST /tools/invoke，返回统一解码后的结果
func (c *Client) InvokeTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (*ToolResult, error) {
	if !c.Configured() {
		return nil, &GatewayError{Tool: tool, Reason: ErrNotConfigured.Error(), Err: ErrNotConfigured}
	}
	if args == nil {
		args = map[string]any{}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := c.createRequest(ctx, &InvokeRequest{Tool: tool, Args: args})
	if err != nil {
		return nil, &GatewayError{Tool: tool, Reason: fmt.Sprintf("Gateway request failed: %v", err), Err: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Tool: tool, Reason: fmt.Sprintf("Gateway request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Tool: tool, Reason: fmt.Sprintf("Gateway request failed: %v", err), StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"tool":        tool,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debugf("gateway response: %s", truncate(string(body), 400))

	if resp.StatusCode != http.StatusOK {
		detail := truncate(string(body), 400)
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &GatewayError{Tool: tool, Reason: "Gateway error: " + detail, StatusCode: resp.StatusCode}
	}

	var env invokeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &GatewayError{Tool: tool, Reason: "Gateway returned invalid JSON", StatusCode: resp.StatusCode, Err: err}
	}
	if !env.OK {
		return nil, &GatewayError{Tool: tool, Reason: "Gateway invoke failed: " + truncate(string(body), 400), StatusCode: resp.StatusCode}
	}

	return decodeToolResult(env.Result), nil
}

func (c *Client) createRequest(ctx context.Context, payload *InvokeRequest) (*http.Request, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/invoke", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "Clawboard-Gateway-Client/1.0")
	return req, nil
}

// ListAgents 获取 agent 目录，按 id 排序
func (c *Client) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	res, err := c.InvokeTool(ctx, ToolAgentsList, nil, c.config.AgentsListTimeout)
	if err != nil {
		return nil, err
	}
	return normalizeAgents(res.Items("agents")), nil
}

func normalizeAgents(items []any) []AgentRecord {
	agents := make([]AgentRecord, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := stringValue(m["id"])
		if id == "" {
			continue
		}
		rec := AgentRecord{ID: id, Configured: true}
		rec.Name, _ = m["name"].(string)
		rec.Name = strings.TrimSpace(rec.Name)
		if configured, ok := m["configured"].(bool); ok {
			rec.Configured = configured
		}
		agents = append(agents, rec)
	}
	sort.SliceStable(agents, func(i, j int) bool {
		return strings.ToLower(agents[i].ID) < strings.ToLower(agents[j].ID)
	})
	return agents
}

// SpawnSession 创建新会话；只有无错误信号且返回 childSessionKey 才算成功
func (c *Client) SpawnSession(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	cleanup := req.Cleanup
	if cleanup == "" {
		cleanup = "keep"
	}
	args := map[string]any{
		"agentId": req.AgentID,
		"task":    req.Task,
		"label":   req.Label,
		"cleanup": cleanup,
	}
	res, err := c.InvokeTool(ctx, ToolSessionsSpawn, args, c.config.SpawnTimeout)
	if err != nil {
		return nil, err
	}

	if reason, failed := res.ErrorSignal(); failed {
		if reason == "" {
			reason = fmt.Sprintf("%s returned status=%s", ToolSessionsSpawn, res.FailedStatus())
		}
		return nil, &GatewayError{Tool: ToolSessionsSpawn, Reason: reason}
	}

	key := res.String("childSessionKey")
	if key == "" {
		return nil, &GatewayError{Tool: ToolSessionsSpawn, Reason: "sessions_spawn returned no childSessionKey"}
	}
	return &SpawnResult{
		SessionKey: key,
		RunID:      res.String("runId"),
		Status:     res.String("status"),
	}, nil
}

// SendToSession 向已有会话发送消息
func (c *Client) SendToSession(ctx context.Context, req SendRequest) error {
	args := map[string]any{
		"sessionKey":     req.SessionKey,
		"message":        req.Message,
		"timeoutSeconds": c.config.SendTimeoutSeconds,
	}
	res, err := c.InvokeTool(ctx, ToolSessionsSend, args, c.config.SendTimeout)
	if err != nil {
		return err
	}
	if reason, failed := res.ErrorSignal(); failed {
		if reason == "" {
			reason = fmt.Sprintf("%s returned status=%s", ToolSessionsSend, res.FailedStatus())
		}
		return &GatewayError{Tool: ToolSessionsSend, Reason: reason}
	}
	return nil
}

// ListSessions 列出会话摘要
func (c *Client) ListSessions(ctx context.Context, limit, messageLimit int) ([]SessionSummary, error) {
	args := map[string]any{"limit": limit, "messageLimit": messageLimit}
	res, err := c.InvokeTool(ctx, ToolSessionsList, args, c.config.SessionsTimeout)
	if err != nil {
		return nil, err
	}
	items := res.Items("sessions")
	sessions := make([]SessionSummary, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := toSessionSummary(m); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

func toSessionSummary(m map[string]any) (SessionSummary, bool) {
	s := SessionSummary{
		Key:         StringField(m, "key", "sessionKey"),
		Kind:        StringField(m, "kind"),
		Channel:     StringField(m, "channel"),
		DisplayName: StringField(m, "displayName", "display_name"),
		Label:       StringField(m, "label"),
		Model:       StringField(m, "model"),
		Status:      StringField(m, "status", "state"),
	}
	if s.Key == "" {
		return s, false
	}
	for _, k := range []string{"updatedAt", "updated_at", "lastActivityAt"} {
		if ts, ok := ParseTimestamp(m[k]); ok {
			s.UpdatedAt = &ts
			break
		}
	}
	return s, true
}

// sessionLookupLimit 存活探测时拉取的会话数上限
const sessionLookupLimit = 200

// ErrSessionLookupTruncated 会话列表已满页仍未找到 key，无法确认会话不存在
var ErrSessionLookupTruncated = errors.New("session lookup truncated")

// FindSession 通过 sessions_list 按 key 查找会话，不存在时返回 nil, nil。
// 列表满页且未命中时返回 ErrSessionLookupTruncated。
func (c *Client) FindSession(ctx context.Context, key string) (*SessionSummary, error) {
	sessions, err := c.ListSessions(ctx, sessionLookupLimit, 0)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Key == key {
			return &sessions[i], nil
		}
	}
	if len(sessions) >= sessionLookupLimit {
		return nil, &GatewayError{
			Tool:   ToolSessionsList,
			Reason: fmt.Sprintf("session %s not found in newest %d sessions", key, sessionLookupLimit),
			Err:    ErrSessionLookupTruncated,
		}
	}
	return nil, nil
}

// SessionHistory 拉取单个会话的消息历史
func (c *Client) SessionHistory(ctx context.Context, key string, limit int, includeTools bool) ([]HistoryMessage, error) {
	args := map[string]any{"sessionKey": key, "limit": limit, "includeTools": includeTools}
	res, err := c.InvokeTool(ctx, ToolSessionsHistory, args, c.config.HistoryTimeout)
	if err != nil {
		return nil, err
	}
	items := res.Items("messages")
	messages := make([]HistoryMessage, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			messages = append(messages, HistoryMessage(m))
		}
	}
	return messages, nil
}

// HealthStatus 网关可达性
type HealthStatus struct {
	OK      bool   `json:"ok"`
	Gateway string `json:"gateway"`
	Method  string `json:"method,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// CheckHealth 优先 agents_list，失败后回退 sessions_list
func CheckHealth(ctx context.Context, gw GatewayInterface, timeout time.Duration) HealthStatus {
	if !gw.Configured() {
		return HealthStatus{OK: false, Gateway: "disabled", Detail: ErrNotConfigured.Error()}
	}
	_, agentsErr := gw.InvokeTool(ctx, ToolAgentsList, nil, timeout)
	if agentsErr == nil {
		return HealthStatus{OK: true, Gateway: "reachable", Method: ToolAgentsList}
	}
	_, sessionsErr := gw.InvokeTool(ctx, ToolSessionsList, map[string]any{"limit": 1, "messageLimit": 0}, timeout)
	if sessionsErr == nil {
		return HealthStatus{OK: true, Gateway: "reachable", Method: ToolSessionsList}
	}
	return HealthStatus{
		OK:      false,
		Gateway: "unreachable",
		Detail:  fmt.Sprintf("agents_list failed: %v; sessions_list failed: %v", agentsErr, sessionsErr),
	}
}

// truncate 按字符截断，不切开多字节字符
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
