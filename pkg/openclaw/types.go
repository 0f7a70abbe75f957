package openclaw

import (
	"encoding/json"
	"net/http"
	"time"
)

// 网关工具名
const (
	ToolAgentsList      = "agents_list"
	ToolSessionsSpawn   = "sessions_spawn"
	ToolSessionsSend    = "sessions_send"
	ToolSessionsList    = "sessions_list"
	ToolSessionsHistory = "sessions_history"
)

// Config 网关客户端配置
type Config struct {
	BaseURL string
	Token   string

	AgentsListTimeout  time.Duration
	SpawnTimeout       time.Duration
	SendTimeout        time.Duration
	SendTimeoutSeconds int
	SessionsTimeout    time.Duration
	HistoryTimeout     time.Duration

	// Transport 可选，用于注入 otelhttp 等包装
	Transport http.RoundTripper
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "http://127.0.0.1:18789",
		AgentsListTimeout:  12 * time.Second,
		SpawnTimeout:       75 * time.Second,
		SendTimeout:        30 * time.Second,
		SendTimeoutSeconds: 90,
		SessionsTimeout:    10 * time.Second,
		HistoryTimeout:     15 * time.Second,
	}
}

// InvokeRequest POST /tools/invoke 的请求体
type InvokeRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// AgentRecord 网关上的 agent
type AgentRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Configured bool   `json:"configured"`
}

// SpawnRequest sessions_spawn 参数
type SpawnRequest struct {
	AgentID string
	Task    string
	Label   string
	Cleanup string
}

// SpawnResult sessions_spawn 的有效结果
type SpawnResult struct {
	SessionKey string `json:"childSessionKey"`
	RunID      string `json:"runId,omitempty"`
	Status     string `json:"status,omitempty"`
}

// SendRequest sessions_send 参数
type SendRequest struct {
	SessionKey string
	Message    string
}

// SessionSummary sessions_list 返回的会话摘要
type SessionSummary struct {
	Key         string     `json:"key"`
	Kind        string     `json:"kind,omitempty"`
	Channel     string     `json:"channel,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Label       string     `json:"label,omitempty"`
	Model       string     `json:"model,omitempty"`
	Status      string     `json:"status"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// HistoryMessage sessions_history 中的一条原始消息
type HistoryMessage map[string]any

// ContentBlock 工具结果中的内容块
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// invokeEnvelope 网关响应的外层结构
type invokeEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error,omitempty"`
}
