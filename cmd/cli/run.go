package cli

import (
	"context"
	"os/signal"
	"syscall"

	"clawboard/internal/config"
	"clawboard/internal/observability"
	"clawboard/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the clawboard API server",
	RunE:  run,
}

var skipMigrate bool

func init() {
	runCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not auto-migrate the database on startup")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	db, err := server.OpenDatabase(cfg, appLogger)
	if err != nil {
		return err
	}
	if !skipMigrate {
		if err := server.Migrate(db); err != nil {
			return err
		}
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	app := server.New(cfg, db, nil, appLogger)
	defer app.Close()
	if !app.Gateway.Configured() {
		appLogger.Warn("gateway token not set, agent automation is disabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}
