package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Automation AutomationConfig `yaml:"automation"`
	Activity   ActivityConfig   `yaml:"activity"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIBaseURL 是提示词中告诉 agent 回写评论的地址
	APIBaseURL string `yaml:"api_base_url" mapstructure:"api_base_url"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite, postgres
	Path            string        `yaml:"path"`   // sqlite 文件路径
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// GatewayConfig agent 网关配置
type GatewayConfig struct {
	BaseURL            string               `yaml:"base_url" mapstructure:"base_url"`
	Token              string               `yaml:"token"`
	AgentsListTimeout  time.Duration        `yaml:"agents_list_timeout" mapstructure:"agents_list_timeout"`
	SpawnTimeout       time.Duration        `yaml:"spawn_timeout" mapstructure:"spawn_timeout"`
	SendTimeout        time.Duration        `yaml:"send_timeout" mapstructure:"send_timeout"`
	SendTimeoutSeconds int                  `yaml:"send_timeout_seconds" mapstructure:"send_timeout_seconds"`
	SessionsTimeout    time.Duration        `yaml:"sessions_timeout" mapstructure:"sessions_timeout"`
	HistoryTimeout     time.Duration        `yaml:"history_timeout" mapstructure:"history_timeout"`
	HealthTimeout      time.Duration        `yaml:"health_timeout" mapstructure:"health_timeout"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxFailures     int           `yaml:"max_failures" mapstructure:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_requests" mapstructure:"half_open_max_requests"`
}

// AutomationConfig 自动派发 agent 会话的配置
type AutomationConfig struct {
	Enabled bool `yaml:"enabled"`
	// DirectoryTTL agent 目录缓存有效期
	DirectoryTTL time.Duration `yaml:"directory_ttl" mapstructure:"directory_ttl"`
	// DirectoryFailureBackoff 刷新失败后继续返回旧值的时长
	DirectoryFailureBackoff time.Duration `yaml:"directory_failure_backoff" mapstructure:"directory_failure_backoff"`
}

// ActivityConfig 会话活动聚合配置
type ActivityConfig struct {
	DefaultSessionLimit int `yaml:"default_session_limit" mapstructure:"default_session_limit"`
	MaxSessionLimit     int `yaml:"max_session_limit" mapstructure:"max_session_limit"`
	HistoryLimit        int `yaml:"history_limit" mapstructure:"history_limit"`
	MaxRuns             int `yaml:"max_runs" mapstructure:"max_runs"`
	MaxConcurrency      int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	PreviewLength       int `yaml:"preview_length" mapstructure:"preview_length"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path" mapstructure:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`                                 // OTLP gRPC 端点
	Insecure    bool    `yaml:"insecure"`                                 // 是否使用明文
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"` // 缺省使用 "clawboard"
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `yaml:"enabled"`
	RequestsPerMinute int                   `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int                   `yaml:"burst"`
	Paths             []PathRateLimitConfig `yaml:"paths"`
	WhitelistIPs      []string              `yaml:"whitelist_ips" mapstructure:"whitelist_ips"`
}

// PathRateLimitConfig 按路径前缀覆盖限流
type PathRateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Prefix            string `yaml:"prefix"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

// Load 从 viper 读取配置，未设置的字段沿用默认值
func Load() *Config {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		panic(err)
	}
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides 兼容网关部署惯用的环境变量名
func applyEnvOverrides(cfg *Config) {
	if v := viper.GetString("OPENCLAW_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := viper.GetString("OPENCLAW_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := viper.GetString("API_BASE_URL"); v != "" {
		cfg.Server.APIBaseURL = v
	}
	if v := viper.GetString("CLAWBOARD_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("CLAWBOARD_PORT"); v > 0 {
		cfg.Server.Port = v
	}
	if v := viper.GetString("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			APIBaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "./data/kanban.db",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "clawboard",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Gateway: GatewayConfig{
			BaseURL:            "http://127.0.0.1:18789",
			AgentsListTimeout:  12 * time.Second,
			SpawnTimeout:       75 * time.Second,
			SendTimeout:        30 * time.Second,
			SendTimeoutSeconds: 90,
			SessionsTimeout:    10 * time.Second,
			HistoryTimeout:     15 * time.Second,
			HealthTimeout:      10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    30 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		Automation: AutomationConfig{
			Enabled:                 true,
			DirectoryTTL:            time.Hour,
			DirectoryFailureBackoff: 30 * time.Second,
		},
		Activity: ActivityConfig{
			DefaultSessionLimit: 20,
			MaxSessionLimit:     100,
			HistoryLimit:        120,
			MaxRuns:             25,
			MaxConcurrency:      6,
			PreviewLength:       600,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/clawboard.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "clawboard",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           false,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
	}
}
