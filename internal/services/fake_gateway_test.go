package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clawboard/pkg/openclaw"
)

// fakeGateway 可编程的网关替身，记录所有调用
type fakeGateway struct {
	mu sync.Mutex

	configured bool
	agents     []openclaw.AgentRecord
	agentsErr  error

	sessions   []openclaw.SessionSummary
	sessionErr error

	// spawnResults 依次消费；耗尽后按 spawnErr 或自动生成 key
	spawnResults []*openclaw.SpawnResult
	spawnErr     error
	spawnCalls   []openclaw.SpawnRequest
	// afterSpawn 成功派发后调用，在锁外执行
	afterSpawn func()

	// sendErrs 按 session key 返回错误
	sendErrs  map[string]error
	sendCalls []openclaw.SendRequest

	history    map[string][]openclaw.HistoryMessage
	historyErr map[string]error
	historyLag map[string]time.Duration
}

var _ openclaw.GatewayInterface = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		configured: true,
		agents:     sampleAgents,
		sendErrs:   map[string]error{},
		history:    map[string][]openclaw.HistoryMessage{},
		historyErr: map[string]error{},
		historyLag: map[string]time.Duration{},
	}
}

func (f *fakeGateway) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *fakeGateway) InvokeTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (*openclaw.ToolResult, error) {
	if !f.Configured() {
		return nil, &openclaw.GatewayError{Tool: tool, Reason: openclaw.ErrNotConfigured.Error(), Err: openclaw.ErrNotConfigured}
	}
	return &openclaw.ToolResult{}, nil
}

func (f *fakeGateway) ListAgents(ctx context.Context) ([]openclaw.AgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents, f.agentsErr
}

func (f *fakeGateway) SpawnSession(ctx context.Context, req openclaw.SpawnRequest) (*openclaw.SpawnResult, error) {
	res, err := f.spawn(req)
	if err == nil && f.afterSpawn != nil {
		f.afterSpawn()
	}
	return res, err
}

func (f *fakeGateway) spawn(req openclaw.SpawnRequest) (*openclaw.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnCalls = append(f.spawnCalls, req)
	if len(f.spawnResults) > 0 {
		res := f.spawnResults[0]
		f.spawnResults = f.spawnResults[1:]
		return res, nil
	}
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return &openclaw.SpawnResult{
		SessionKey: fmt.Sprintf("agent:%s:subagent:%d", req.AgentID, len(f.spawnCalls)),
		RunID:      fmt.Sprintf("run-%d", len(f.spawnCalls)),
	}, nil
}

func (f *fakeGateway) SendToSession(ctx context.Context, req openclaw.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, req)
	return f.sendErrs[req.SessionKey]
}

func (f *fakeGateway) ListSessions(ctx context.Context, limit, messageLimit int) ([]openclaw.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	out := f.sessions
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeGateway) FindSession(ctx context.Context, key string) (*openclaw.SessionSummary, error) {
	sessions, err := f.ListSessions(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Key == key {
			s := sessions[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeGateway) SessionHistory(ctx context.Context, key string, limit int, includeTools bool) ([]openclaw.HistoryMessage, error) {
	f.mu.Lock()
	lag := f.historyLag[key]
	msgs, err := f.history[key], f.historyErr[key]
	f.mu.Unlock()
	if lag > 0 {
		select {
		case <-time.After(lag):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

func (f *fakeGateway) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawnCalls)
}

func (f *fakeGateway) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.sendCalls))
	for _, c := range f.sendCalls {
		keys = append(keys, c.SessionKey)
	}
	return keys
}
