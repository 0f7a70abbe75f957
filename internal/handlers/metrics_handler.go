package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"clawboard/internal/metrics"
	"clawboard/internal/services"
	"clawboard/internal/version"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MetricsHandler Prometheus 文本格式的指标
type MetricsHandler struct {
	hub       *services.WebSocketHub
	breaker   *services.CircuitBreaker
	db        *gorm.DB
	startedAt time.Time
}

// NewMetricsHandler 创建指标处理器；各依赖均可为 nil
func NewMetricsHandler(hub *services.WebSocketHub, breaker *services.CircuitBreaker, db *gorm.DB) *MetricsHandler {
	return &MetricsHandler{hub: hub, breaker: breaker, db: db, startedAt: time.Now()}
}

func escapeLabel(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
}

func writeHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
}

func writeLabeled(b *strings.Builder, name, label string, by map[string]uint64) {
	for _, k := range metrics.SortedKeys(by) {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, escapeLabel(k), by[k])
	}
}

// GetMetrics 输出运行态与业务计数
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	b := &strings.Builder{}

	writeHeader(b, "clawboard_info", "gauge", "Information about the clawboard instance")
	fmt.Fprintf(b, "clawboard_info{version=\"%s\",commit=\"%s\",build_time=\"%s\"} 1\n\n",
		escapeLabel(version.Version), escapeLabel(version.Commit), escapeLabel(version.BuildTime))

	writeHeader(b, "clawboard_uptime_seconds", "counter", "Seconds since the process started")
	fmt.Fprintf(b, "clawboard_uptime_seconds %.0f\n\n", time.Since(h.startedAt).Seconds())

	wsClients := 0
	if h.hub != nil {
		wsClients = h.hub.GetClientCount()
	}
	writeHeader(b, "clawboard_websocket_active_connections", "gauge", "Active realtime subscribers")
	fmt.Fprintf(b, "clawboard_websocket_active_connections %d\n\n", wsClients)

	_, byType := metrics.BroadcastSnapshot()
	writeHeader(b, "clawboard_broadcasts_total", "counter", "Realtime messages broadcast by type")
	writeLabeled(b, "clawboard_broadcasts_total", "type", byType)
	b.WriteString("\n")

	automationTotal, byEvent := metrics.AutomationSnapshot()
	writeHeader(b, "clawboard_automation_events_total", "counter", "Automation outcomes recorded by event type")
	writeLabeled(b, "clawboard_automation_events_total", "event", byEvent)
	fmt.Fprintf(b, "clawboard_automation_events_sum %d\n\n", automationTotal)

	_, byTool := metrics.GatewayErrorSnapshot()
	writeHeader(b, "clawboard_gateway_errors_total", "counter", "Failed gateway tool invocations by tool")
	writeLabeled(b, "clawboard_gateway_errors_total", "tool", byTool)
	b.WriteString("\n")

	if h.breaker != nil {
		writeHeader(b, "clawboard_gateway_circuit_state", "gauge", "Gateway circuit breaker state (0=closed, 1=open, 2=half-open)")
		fmt.Fprintf(b, "clawboard_gateway_circuit_state %d\n\n", int(h.breaker.State()))
	}

	dropTotal, byPrefix := metrics.RateLimitSnapshot()
	writeHeader(b, "clawboard_ratelimit_dropped_total", "counter", "HTTP 429 responses due to rate limiting")
	if len(byPrefix) == 0 {
		fmt.Fprintf(b, "clawboard_ratelimit_dropped_total{prefix=\"global\"} 0\n")
	} else {
		writeLabeled(b, "clawboard_ratelimit_dropped_total", "prefix", byPrefix)
	}
	fmt.Fprintf(b, "clawboard_ratelimit_dropped_sum %d\n\n", dropTotal)

	writeHeader(b, "clawboard_go_goroutines", "gauge", "Number of goroutines")
	fmt.Fprintf(b, "clawboard_go_goroutines %d\n", runtime.NumGoroutine())

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeHeader(b, "clawboard_go_mem_alloc_bytes", "gauge", "Bytes of allocated heap objects")
	fmt.Fprintf(b, "clawboard_go_mem_alloc_bytes %d\n", ms.Alloc)

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			ds := sqlDB.Stats()
			b.WriteString("\n")
			writeHeader(b, "clawboard_db_open_connections", "gauge", "Established database connections, in use and idle")
			fmt.Fprintf(b, "clawboard_db_open_connections %d\n", ds.OpenConnections)
			writeHeader(b, "clawboard_db_inuse_connections", "gauge", "Database connections currently in use")
			fmt.Fprintf(b, "clawboard_db_inuse_connections %d\n", ds.InUse)
			writeHeader(b, "clawboard_db_wait_count", "counter", "Total connections waited for")
			fmt.Fprintf(b, "clawboard_db_wait_count %d\n", ds.WaitCount)
		}
	}

	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.String(http.StatusOK, b.String())
}
