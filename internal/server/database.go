package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clawboard/internal/config"
	"clawboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// 迁移后补充的复合索引
var extraIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_tickets_status_archived ON tickets(status, archived_at)",
	"CREATE INDEX IF NOT EXISTS idx_ticket_events_ticket_created ON ticket_events(ticket_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_ticket_comments_ticket_created ON ticket_comments(ticket_id, created_at)",
}

// PostgresDSN 未显式给出 dsn 时由各字段拼接
func PostgresDSN(db config.DatabaseConfig) string {
	if db.DSN != "" {
		return db.DSN
	}
	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		db.Host, db.User, db.Password, db.Name, db.Port, sslMode)
}

// SQLiteDSN 文件库默认打开 WAL 与 busy_timeout
func SQLiteDSN(db config.DatabaseConfig) (string, error) {
	if db.DSN != "" {
		return db.DSN, nil
	}
	if db.Path == "" || db.Path == ":memory:" {
		return "file::memory:?cache=shared", nil
	}
	if dir := filepath.Dir(db.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database dir: %w", err)
		}
	}
	return db.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return logger.Info
	case "error", "fatal", "panic":
		return logger.Error
	default:
		return logger.Warn
	}
}

// OpenDatabase 按配置连接 sqlite 或 postgres，并设置连接池
func OpenDatabase(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	dbCfg := cfg.Database
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(gormLogLevel(cfg.Log.Level))}

	var (
		dialector gorm.Dialector
		sqliteDB  bool
	)
	switch strings.ToLower(dbCfg.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(PostgresDSN(dbCfg))
	case "", "sqlite", "sqlite3":
		dsn, err := SQLiteDSN(dbCfg)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
		sqliteDB = true
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			log.Warnf("gorm tracing plugin: %v", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if sqliteDB {
		// sqlite 只允许单写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		if dbCfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(dbCfg.MaxOpenConns)
		}
		if dbCfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(dbCfg.MaxIdleConns)
		}
	}
	if dbCfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)
	}

	log.WithFields(logrus.Fields{"driver": dialector.Name()}).Info("database connected")
	return db, nil
}

// Migrate 建表并补充索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
