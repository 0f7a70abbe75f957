package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// labeledCounter 按标签分组的计数器，供中间件和业务层并发调用
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rl          labeledCounter
	automation  labeledCounter
	gatewayErrs labeledCounter
	broadcasts  labeledCounter
)

// IncRateLimitDrop 限流拒绝计数，prefix 为空时记为 global
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rl.inc(prefix)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rl.snapshot()
}

// IncAutomationEvent 记录编排器产生的事件类型
func IncAutomationEvent(eventType string) {
	automation.inc(eventType)
}

// AutomationSnapshot 编排事件计数
func AutomationSnapshot() (total uint64, by map[string]uint64) {
	return automation.snapshot()
}

// IncGatewayError 按工具名记录网关调用失败
func IncGatewayError(tool string) {
	if tool == "" {
		tool = "unknown"
	}
	gatewayErrs.inc(tool)
}

// GatewayErrorSnapshot 网关失败计数
func GatewayErrorSnapshot() (total uint64, by map[string]uint64) {
	return gatewayErrs.snapshot()
}

// IncBroadcast 记录一次 websocket 广播
func IncBroadcast(messageType string) {
	broadcasts.inc(messageType)
}

// BroadcastSnapshot 广播计数
func BroadcastSnapshot() (total uint64, by map[string]uint64) {
	return broadcasts.snapshot()
}

// SortedKeys 按字典序返回标签，保证输出稳定
func SortedKeys(by map[string]uint64) []string {
	keys := make([]string, 0, len(by))
	for k := range by {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// reset 仅用于测试
func reset() {
	rl = labeledCounter{}
	automation = labeledCounter{}
	gatewayErrs = labeledCounter{}
	broadcasts = labeledCounter{}
}
