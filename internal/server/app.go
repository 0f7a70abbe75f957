package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clawboard/internal/config"
	"clawboard/internal/handlers"
	"clawboard/internal/middleware"
	"clawboard/internal/observability"
	"clawboard/internal/services"
	"clawboard/pkg/openclaw"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// App 组装好的服务与路由
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Gateway   *services.GuardedGateway
	Breaker   *services.CircuitBreaker
	Directory *services.AgentDirectory
	Hub       *services.WebSocketHub
	Tickets   *services.TicketService
	Activity  *services.SessionActivityService
	Router    *gin.Engine

	logger *logrus.Logger
}

// GatewayConfig 把配置文件中的网关段转换为客户端配置
func GatewayConfig(gc config.GatewayConfig) *openclaw.Config {
	c := openclaw.DefaultConfig()
	if gc.BaseURL != "" {
		c.BaseURL = gc.BaseURL
	}
	c.Token = gc.Token
	if gc.AgentsListTimeout > 0 {
		c.AgentsListTimeout = gc.AgentsListTimeout
	}
	if gc.SpawnTimeout > 0 {
		c.SpawnTimeout = gc.SpawnTimeout
	}
	if gc.SendTimeout > 0 {
		c.SendTimeout = gc.SendTimeout
	}
	if gc.SendTimeoutSeconds > 0 {
		c.SendTimeoutSeconds = gc.SendTimeoutSeconds
	}
	if gc.SessionsTimeout > 0 {
		c.SessionsTimeout = gc.SessionsTimeout
	}
	if gc.HistoryTimeout > 0 {
		c.HistoryTimeout = gc.HistoryTimeout
	}
	return c
}

// NewGateway 创建网关客户端，按配置外包熔断器
func NewGateway(cfg *config.Config, log *logrus.Logger) *services.GuardedGateway {
	client := openclaw.NewClient(GatewayConfig(cfg.Gateway), log)

	var breaker *services.CircuitBreaker
	if cb := cfg.Gateway.CircuitBreaker; cb.Enabled {
		breaker = services.NewCircuitBreaker(&services.CircuitBreakerConfig{
			MaxFailures:     cb.MaxFailures,
			ResetTimeout:    cb.ResetTimeout,
			HalfOpenMaxReqs: cb.HalfOpenMaxReqs,
		})
	}
	return services.NewGuardedGateway(client, breaker)
}

// New 使用已连接的数据库组装全部服务；gateway 为 nil 时按配置创建
func New(cfg *config.Config, db *gorm.DB, gateway openclaw.GatewayInterface, log *logrus.Logger) *App {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var guarded *services.GuardedGateway
	switch gw := gateway.(type) {
	case nil:
		guarded = NewGateway(cfg, log)
	case *services.GuardedGateway:
		guarded = gw
	default:
		guarded = services.NewGuardedGateway(gw, nil)
	}

	directory := services.NewAgentDirectory(guarded, cfg.Automation.DirectoryTTL, cfg.Automation.DirectoryFailureBackoff, log)
	orchestrator := services.NewSessionOrchestrator(guarded, directory, cfg.Server.APIBaseURL, cfg.Automation.Enabled, log)
	ledger := services.NewAuditLedger(db)

	hub := services.NewWebSocketHub(log)
	go hub.Run()

	tickets := services.NewTicketService(db, ledger, orchestrator, hub, log)

	ac := cfg.Activity
	reconstructor := services.NewActivityReconstructor(ac.PreviewLength, ac.MaxRuns)
	activity := services.NewSessionActivityService(db, guarded, reconstructor, services.SessionActivityConfig{
		DefaultLimit:   ac.DefaultSessionLimit,
		MaxLimit:       ac.MaxSessionLimit,
		HistoryLimit:   ac.HistoryLimit,
		MaxRuns:        ac.MaxRuns,
		MaxConcurrency: ac.MaxConcurrency,
		HistoryTimeout: cfg.Gateway.HistoryTimeout,
	}, log)

	app := &App{
		Config:    cfg,
		DB:        db,
		Gateway:   guarded,
		Breaker:   guarded.Breaker(),
		Directory: directory,
		Hub:       hub,
		Tickets:   tickets,
		Activity:  activity,
		logger:    log,
	}
	app.Router = app.setupRouter()
	return app
}

func (a *App) setupRouter() *gin.Engine {
	cfg := a.Config
	router := gin.New()

	// 中间件
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(a.logger))
	router.Use(middleware.CORS(cfg))
	router.Use(middleware.RateLimit(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(observability.ServiceName(cfg)))
	}

	h := handlers.Handlers{
		Tickets:   handlers.NewTicketHandler(a.Tickets, a.logger),
		Agents:    handlers.NewAgentHandler(a.Directory, a.Gateway, cfg.Gateway.HealthTimeout, a.logger),
		Sessions:  handlers.NewSessionActivityHandler(a.Activity, a.logger),
		WebSocket: handlers.NewWebSocketHandler(a.Hub),
		Health:    handlers.NewHealthHandler(a.DB, a.Gateway, a.Breaker),
	}
	if cfg.Monitoring.Enabled {
		h.Metrics = handlers.NewMetricsHandler(a.Hub, a.Breaker, a.DB)
		h.MetricsPath = cfg.Monitoring.MetricsPath
	}
	handlers.RegisterRoutes(router, h)
	return router
}

const shutdownTimeout = 30 * time.Second

// Run 监听配置的地址，ctx 结束后优雅关闭
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("Server exited")
	return nil
}

// Close 停止后台 goroutine
func (a *App) Close() {
	a.Hub.Stop()
}
