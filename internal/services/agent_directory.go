package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clawboard/internal/models"
	"clawboard/pkg/openclaw"

	"github.com/sirupsen/logrus"
)

// AgentFetcher 拉取网关 agent 目录
type AgentFetcher interface {
	ListAgents(ctx context.Context) ([]openclaw.AgentRecord, error)
}

// DirectorySnapshot 一次目录读取的结果
type DirectorySnapshot struct {
	Agents    []openclaw.AgentRecord
	FetchedAt time.Time
	ExpiresAt time.Time
	Cached    bool
	Stale     bool
}

type directoryEntry struct {
	agents    []openclaw.AgentRecord
	fetchedAt time.Time
	expiresAt time.Time
	// retryAfter 刷新失败后，在此之前继续返回旧值
	retryAfter time.Time
}

func (e *directoryEntry) snapshot(now time.Time, cached bool) *DirectorySnapshot {
	agents := make([]openclaw.AgentRecord, len(e.agents))
	copy(agents, e.agents)
	return &DirectorySnapshot{
		Agents:    agents,
		FetchedAt: e.fetchedAt,
		ExpiresAt: e.expiresAt,
		Cached:    cached,
		Stale:     !now.Before(e.expiresAt),
	}
}

type refreshCall struct {
	done chan struct{}
	snap *DirectorySnapshot
	err  error
}

// AgentDirectory 带 TTL 的 agent 目录缓存。
// 读路径无锁；过期后只有一个调用方访问网关，其余调用方共享其结果。
type AgentDirectory struct {
	fetcher        AgentFetcher
	ttl            time.Duration
	failureBackoff time.Duration
	logger         *logrus.Logger
	now            func() time.Time

	current atomic.Pointer[directoryEntry]

	mu       sync.Mutex
	inflight *refreshCall
}

// NewAgentDirectory 创建目录缓存
func NewAgentDirectory(fetcher AgentFetcher, ttl, failureBackoff time.Duration, logger *logrus.Logger) *AgentDirectory {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AgentDirectory{
		fetcher:        fetcher,
		ttl:            ttl,
		failureBackoff: failureBackoff,
		logger:         logger,
		now:            time.Now,
	}
}

// TTL 缓存有效期
func (d *AgentDirectory) TTL() time.Duration {
	return d.ttl
}

func (d *AgentDirectory) usable(e *directoryEntry, now time.Time) bool {
	return e != nil && (now.Before(e.expiresAt) || now.Before(e.retryAfter))
}

// Get 返回目录。刷新失败且有旧值时返回旧值并标记 Stale，仅在无旧值时返回错误。
func (d *AgentDirectory) Get(ctx context.Context, forceRefresh bool) (*DirectorySnapshot, error) {
	if !forceRefresh {
		if e := d.current.Load(); d.usable(e, d.now()) {
			return e.snapshot(d.now(), true), nil
		}
	}

	d.mu.Lock()
	if !forceRefresh {
		if e := d.current.Load(); d.usable(e, d.now()) {
			d.mu.Unlock()
			return e.snapshot(d.now(), true), nil
		}
	}
	if call := d.inflight; call != nil {
		d.mu.Unlock()
		return d.wait(ctx, call)
	}
	call := &refreshCall{done: make(chan struct{})}
	d.inflight = call
	d.mu.Unlock()

	call.snap, call.err = d.refresh(context.WithoutCancel(ctx))

	d.mu.Lock()
	d.inflight = nil
	d.mu.Unlock()
	close(call.done)

	return call.snap, call.err
}

func (d *AgentDirectory) wait(ctx context.Context, call *refreshCall) (*DirectorySnapshot, error) {
	select {
	case <-call.done:
		return call.snap, call.err
	case <-ctx.Done():
		if e := d.current.Load(); e != nil {
			snap := e.snapshot(d.now(), true)
			snap.Stale = true
			return snap, nil
		}
		return nil, ctx.Err()
	}
}

func (d *AgentDirectory) refresh(ctx context.Context) (*DirectorySnapshot, error) {
	agents, err := d.fetcher.ListAgents(ctx)
	now := d.now()
	if err != nil {
		prev := d.current.Load()
		if prev == nil {
			return nil, fmt.Errorf("fetch agent directory: %w", err)
		}
		next := *prev
		next.retryAfter = now.Add(d.failureBackoff)
		d.current.Store(&next)

		d.logger.WithError(err).Warn("agent directory refresh failed, serving stale entries")
		snap := next.snapshot(now, true)
		snap.Stale = true
		return snap, nil
	}

	entry := &directoryEntry{
		agents:    agents,
		fetchedAt: now,
		expiresAt: now.Add(d.ttl),
	}
	d.current.Store(entry)
	d.logger.WithField("agents", len(agents)).Debug("agent directory refreshed")
	return entry.snapshot(now, false), nil
}

// ResolveAgent 把负责人解析为已配置的 agent id；目录不可用时视为未匹配
func (d *AgentDirectory) ResolveAgent(ctx context.Context, assignee string) (string, bool) {
	if isUnassigned(assignee) {
		return "", false
	}
	snap, err := d.Get(ctx, false)
	if err != nil {
		d.logger.WithError(err).Warn("agent directory unavailable")
		return "", false
	}
	return MatchAgent(assignee, snap.Agents)
}

// AssigneeOptions 可选负责人：Unassigned 加上所有已配置 agent
func (d *AgentDirectory) AssigneeOptions(ctx context.Context) []string {
	options := []string{models.Unassigned}
	snap, err := d.Get(ctx, false)
	if err != nil {
		return options
	}
	for _, a := range ConfiguredAgents(snap.Agents) {
		options = append(options, a.ID)
	}
	return options
}

// MatchAgent 先按 id、再按显示名做大小写不敏感的精确匹配，忽略未配置的 agent
func MatchAgent(assignee string, agents []openclaw.AgentRecord) (string, bool) {
	if isUnassigned(assignee) {
		return "", false
	}
	want := strings.TrimSpace(assignee)
	configured := ConfiguredAgents(agents)
	for _, a := range configured {
		if strings.EqualFold(a.ID, want) {
			return a.ID, true
		}
	}
	for _, a := range configured {
		if a.Name != "" && strings.EqualFold(a.Name, want) {
			return a.ID, true
		}
	}
	return "", false
}

// ConfiguredAgents 过滤掉 configured=false 的记录
func ConfiguredAgents(agents []openclaw.AgentRecord) []openclaw.AgentRecord {
	out := make([]openclaw.AgentRecord, 0, len(agents))
	for _, a := range agents {
		if a.Configured {
			out = append(out, a)
		}
	}
	return out
}

func isUnassigned(assignee string) bool {
	a := strings.TrimSpace(assignee)
	return a == "" || strings.EqualFold(a, models.Unassigned)
}
