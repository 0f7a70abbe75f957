package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"clawboard/internal/metrics"
	"clawboard/pkg/openclaw"
)

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int

const (
	StateClosedCB   CircuitBreakerState = iota // 正常
	StateOpenCB                                // 熔断
	StateHalfOpenCB                            // 试探
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosedCB:
		return "closed"
	case StateOpenCB:
		return "open"
	case StateHalfOpenCB:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	MaxFailures     int
	ResetTimeout    time.Duration
	HalfOpenMaxReqs int
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:     5,
		ResetTimeout:    30 * time.Second,
		HalfOpenMaxReqs: 1,
	}
}

// CircuitBreaker 连续失败达到阈值后短路网关调用
type CircuitBreaker struct {
	config       *CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	now          func() time.Time
	mutex        sync.Mutex
}

// NewCircuitBreaker 使用配置创建熔断器
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{config: config, state: StateClosedCB, now: time.Now}
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosedCB:
		return true
	case StateOpenCB:
		if cb.now().Sub(cb.lastFailTime) < cb.config.ResetTimeout {
			return false
		}
		cb.state = StateHalfOpenCB
		cb.halfOpenReqs = 1
		return true
	case StateHalfOpenCB:
		if cb.halfOpenReqs < cb.config.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// OnSuccess 记录成功请求
func (cb *CircuitBreaker) OnSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = StateClosedCB
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

// OnFailure 记录失败请求
func (cb *CircuitBreaker) OnFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()
	if cb.state == StateHalfOpenCB || cb.failureCount >= cb.config.MaxFailures {
		cb.state = StateOpenCB
		cb.halfOpenReqs = 0
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats 统计信息
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return map[string]interface{}{
		"state":          cb.state.String(),
		"failure_count":  cb.failureCount,
		"last_fail_time": cb.lastFailTime,
		"max_failures":   cb.config.MaxFailures,
		"reset_timeout":  cb.config.ResetTimeout.String(),
	}
}

// ErrCircuitOpen 熔断期间的快速失败
var ErrCircuitOpen = errors.New("circuit open")

// GuardedGateway 在网关客户端外包一层熔断器
type GuardedGateway struct {
	openclaw.GatewayInterface
	breaker *CircuitBreaker
}

var _ openclaw.GatewayInterface = (*GuardedGateway)(nil)

// NewGuardedGateway 包装网关；breaker 为空时直接透传
func NewGuardedGateway(gw openclaw.GatewayInterface, breaker *CircuitBreaker) *GuardedGateway {
	return &GuardedGateway{GatewayInterface: gw, breaker: breaker}
}

// Breaker 返回熔断器，可能为 nil
func (g *GuardedGateway) Breaker() *CircuitBreaker {
	return g.breaker
}

func (g *GuardedGateway) guard(tool string, call func() error) error {
	if g.breaker == nil {
		err := call()
		if err != nil && !errors.Is(err, openclaw.ErrNotConfigured) {
			metrics.IncGatewayError(tool)
		}
		return err
	}
	if !g.breaker.Allow() {
		metrics.IncGatewayError(tool)
		return &openclaw.GatewayError{Tool: tool, Reason: "Gateway unavailable: circuit open", Err: ErrCircuitOpen}
	}
	err := call()
	if err != nil && !errors.Is(err, openclaw.ErrNotConfigured) {
		metrics.IncGatewayError(tool)
	}
	if isAvailabilityFailure(err) {
		g.breaker.OnFailure()
	} else {
		g.breaker.OnSuccess()
	}
	return err
}

// isAvailabilityFailure 只有网络错误和 5xx 计入熔断；业务层面的拒绝不计
func isAvailabilityFailure(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *openclaw.GatewayError
	if !errors.As(err, &gwErr) {
		return true
	}
	if errors.Is(gwErr, openclaw.ErrNotConfigured) || errors.Is(gwErr, openclaw.ErrSessionLookupTruncated) {
		return false
	}
	if gwErr.StatusCode >= 500 {
		return true
	}
	return gwErr.StatusCode == 0 && gwErr.Err != nil
}

func (g *GuardedGateway) InvokeTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (res *openclaw.ToolResult, err error) {
	err = g.guard(tool, func() error {
		res, err = g.GatewayInterface.InvokeTool(ctx, tool, args, timeout)
		return err
	})
	return res, err
}

func (g *GuardedGateway) ListAgents(ctx context.Context) (agents []openclaw.AgentRecord, err error) {
	err = g.guard(openclaw.ToolAgentsList, func() error {
		agents, err = g.GatewayInterface.ListAgents(ctx)
		return err
	})
	return agents, err
}

func (g *GuardedGateway) SpawnSession(ctx context.Context, req openclaw.SpawnRequest) (res *openclaw.SpawnResult, err error) {
	err = g.guard(openclaw.ToolSessionsSpawn, func() error {
		res, err = g.GatewayInterface.SpawnSession(ctx, req)
		return err
	})
	return res, err
}

func (g *GuardedGateway) SendToSession(ctx context.Context, req openclaw.SendRequest) error {
	return g.guard(openclaw.ToolSessionsSend, func() error {
		return g.GatewayInterface.SendToSession(ctx, req)
	})
}

func (g *GuardedGateway) ListSessions(ctx context.Context, limit, messageLimit int) (sessions []openclaw.SessionSummary, err error) {
	err = g.guard(openclaw.ToolSessionsList, func() error {
		sessions, err = g.GatewayInterface.ListSessions(ctx, limit, messageLimit)
		return err
	})
	return sessions, err
}

func (g *GuardedGateway) FindSession(ctx context.Context, key string) (session *openclaw.SessionSummary, err error) {
	err = g.guard(openclaw.ToolSessionsList, func() error {
		session, err = g.GatewayInterface.FindSession(ctx, key)
		return err
	})
	return session, err
}

func (g *GuardedGateway) SessionHistory(ctx context.Context, key string, limit int, includeTools bool) (msgs []openclaw.HistoryMessage, err error) {
	err = g.guard(openclaw.ToolSessionsHistory, func() error {
		msgs, err = g.GatewayInterface.SessionHistory(ctx, key, limit, includeTools)
		return err
	})
	return msgs, err
}
