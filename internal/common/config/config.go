// Package config provides configuration management for the botmaster broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Sync      SyncConfig      `mapstructure:"sync"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects sqlite (default) or postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ChatConfig holds workspace chat credentials and bindings.
type ChatConfig struct {
	BotToken     string `mapstructure:"botToken"` // xoxb-
	AppToken     string `mapstructure:"appToken"` // xapp-, socket mode
	SlashCommand string `mapstructure:"slashCommand"`
	AdminChannel string `mapstructure:"adminChannel"` // operational alerts, optional
}

// GatewayConfig holds agent connection settings.
type GatewayConfig struct {
	HeartbeatInterval int   `mapstructure:"heartbeatInterval"` // seconds between heartbeats
	MaxMessageSize    int64 `mapstructure:"maxMessageSize"`    // bytes
	SendBuffer        int   `mapstructure:"sendBuffer"`        // outbound frames per connection
}

// DispatchConfig holds offline queue, streaming, and progress settings.
type DispatchConfig struct {
	QueueTTLHours        int `mapstructure:"queueTtlHours"`        // offline entry lifetime
	QueueRetentionDays   int `mapstructure:"queueRetentionDays"`   // delivered rows kept for audit
	DrainIntervalSeconds int `mapstructure:"drainIntervalSeconds"` // periodic drain tick
	StreamFlushMs        int `mapstructure:"streamFlushMs"`        // accumulator flush tick
	MaxProgressTrackers  int `mapstructure:"maxProgressTrackers"`
	ProgressTTLMinutes   int `mapstructure:"progressTtlMinutes"`
	ProgressSweepMinutes int `mapstructure:"progressSweepMinutes"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailurePercentage int `mapstructure:"failurePercentage"`
	MinimumRequests   int `mapstructure:"minimumRequests"`
	WindowMs          int `mapstructure:"windowMs"`
	RecoveryTimeoutMs int `mapstructure:"recoveryTimeoutMs"`
	SuccessThreshold  int `mapstructure:"successThreshold"`
}

// NotifyConfig holds chat delivery retry settings.
type NotifyConfig struct {
	MaxAttempts     int `mapstructure:"maxAttempts"`
	BaseDelayMs     int `mapstructure:"baseDelayMs"`
	MaxDelayMs      int `mapstructure:"maxDelayMs"`
	FailedQueueSize int `mapstructure:"failedQueueSize"`
}

// SyncConfig holds sync workflow timing.
type SyncConfig struct {
	RestartTimeoutSeconds int `mapstructure:"restartTimeoutSeconds"`
	DeployTimeoutSeconds  int `mapstructure:"deployTimeoutSeconds"`
	RetentionMinutes      int `mapstructure:"retentionMinutes"`
}

// RateLimitConfig holds per-user command limits.
type RateLimitConfig struct {
	PerMinute int `mapstructure:"perMinute"`
	Burst     int `mapstructure:"burst"`
}

// SchedulerConfig holds the periodic submission scheduler settings.
type SchedulerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	TickSeconds int  `mapstructure:"tickSeconds"`
}

// TracingConfig holds OpenTelemetry exporter settings.
// An empty endpoint leaves the no-op tracer installed.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (g *GatewayConfig) HeartbeatDuration() time.Duration {
	return time.Duration(g.HeartbeatInterval) * time.Second
}

// QueueTTL returns the offline entry lifetime as a time.Duration.
func (d *DispatchConfig) QueueTTL() time.Duration {
	return time.Duration(d.QueueTTLHours) * time.Hour
}

// QueueRetention returns how long delivered rows are kept.
func (d *DispatchConfig) QueueRetention() time.Duration {
	return time.Duration(d.QueueRetentionDays) * 24 * time.Hour
}

// DrainInterval returns the periodic drain tick as a time.Duration.
func (d *DispatchConfig) DrainInterval() time.Duration {
	return time.Duration(d.DrainIntervalSeconds) * time.Second
}

// StreamFlushInterval returns the accumulator flush tick as a time.Duration.
func (d *DispatchConfig) StreamFlushInterval() time.Duration {
	return time.Duration(d.StreamFlushMs) * time.Millisecond
}

// ProgressTTL returns the tracker lifetime as a time.Duration.
func (d *DispatchConfig) ProgressTTL() time.Duration {
	return time.Duration(d.ProgressTTLMinutes) * time.Minute
}

// ProgressSweepInterval returns the tracker sweep tick as a time.Duration.
func (d *DispatchConfig) ProgressSweepInterval() time.Duration {
	return time.Duration(d.ProgressSweepMinutes) * time.Minute
}

// Window returns the breaker rolling window as a time.Duration.
func (b *BreakerConfig) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

// RecoveryTimeout returns the open-state cooldown as a time.Duration.
func (b *BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutMs) * time.Millisecond
}

// BaseDelay returns the first retry delay as a time.Duration.
func (n *NotifyConfig) BaseDelay() time.Duration {
	return time.Duration(n.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay ceiling as a time.Duration.
func (n *NotifyConfig) MaxDelay() time.Duration {
	return time.Duration(n.MaxDelayMs) * time.Millisecond
}

// RestartTimeout returns the restart wait limit as a time.Duration.
func (s *SyncConfig) RestartTimeout() time.Duration {
	return time.Duration(s.RestartTimeoutSeconds) * time.Second
}

// DeployTimeout returns the deploy wait limit as a time.Duration.
func (s *SyncConfig) DeployTimeout() time.Duration {
	return time.Duration(s.DeployTimeoutSeconds) * time.Second
}

// Retention returns how long terminal workflows are kept.
func (s *SyncConfig) Retention() time.Duration {
	return time.Duration(s.RetentionMinutes) * time.Minute
}

// Tick returns the scheduler tick as a time.Duration.
func (s *SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BOTMASTER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a driver is chosen
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "botmaster.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "botmaster")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "botmaster")
	v.SetDefault("database.sslMode", "disable")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Chat defaults
	v.SetDefault("chat.botToken", "")
	v.SetDefault("chat.appToken", "")
	v.SetDefault("chat.slashCommand", "/bm")
	v.SetDefault("chat.adminChannel", "")

	// Gateway defaults
	v.SetDefault("gateway.heartbeatInterval", 30)
	v.SetDefault("gateway.maxMessageSize", 1024*1024)
	v.SetDefault("gateway.sendBuffer", 64)

	// Dispatch defaults
	v.SetDefault("dispatch.queueTtlHours", 24)
	v.SetDefault("dispatch.queueRetentionDays", 7)
	v.SetDefault("dispatch.drainIntervalSeconds", 30)
	v.SetDefault("dispatch.streamFlushMs", 1500)
	v.SetDefault("dispatch.maxProgressTrackers", 1000)
	v.SetDefault("dispatch.progressTtlMinutes", 60)
	v.SetDefault("dispatch.progressSweepMinutes", 5)

	// Breaker defaults
	v.SetDefault("breaker.failurePercentage", 50)
	v.SetDefault("breaker.minimumRequests", 10)
	v.SetDefault("breaker.windowMs", 600000)
	v.SetDefault("breaker.recoveryTimeoutMs", 60000)
	v.SetDefault("breaker.successThreshold", 3)

	// Notify defaults
	v.SetDefault("notify.maxAttempts", 3)
	v.SetDefault("notify.baseDelayMs", 200)
	v.SetDefault("notify.maxDelayMs", 5000)
	v.SetDefault("notify.failedQueueSize", 100)

	// Sync defaults
	v.SetDefault("sync.restartTimeoutSeconds", 120)
	v.SetDefault("sync.deployTimeoutSeconds", 300)
	v.SetDefault("sync.retentionMinutes", 60)

	// Rate limit defaults
	v.SetDefault("rateLimit.perMinute", 10)
	v.SetDefault("rateLimit.burst", 3)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tickSeconds", 60)

	// Tracing defaults - empty endpoint leaves tracing off
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "botmaster")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BOTMASTER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/botmaster/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BOTMASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("chat.botToken", "SLACK_BOT_TOKEN", "BOTMASTER_CHAT_BOT_TOKEN")
	_ = v.BindEnv("chat.appToken", "SLACK_APP_TOKEN", "BOTMASTER_CHAT_APP_TOKEN")
	_ = v.BindEnv("database.dbName", "BOTMASTER_DATABASE_DB_NAME")
	_ = v.BindEnv("gateway.heartbeatInterval", "BOTMASTER_GATEWAY_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("tracing.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "BOTMASTER_TRACING_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/botmaster/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}

	if cfg.Gateway.HeartbeatInterval <= 0 {
		errs = append(errs, "gateway.heartbeatInterval must be positive")
	}

	if cfg.Dispatch.StreamFlushMs <= 0 {
		errs = append(errs, "dispatch.streamFlushMs must be positive")
	}
	if cfg.Dispatch.MaxProgressTrackers <= 0 {
		errs = append(errs, "dispatch.maxProgressTrackers must be positive")
	}

	if cfg.Breaker.FailurePercentage <= 0 || cfg.Breaker.FailurePercentage > 100 {
		errs = append(errs, "breaker.failurePercentage must be between 1 and 100")
	}
	if cfg.Breaker.MinimumRequests <= 0 {
		errs = append(errs, "breaker.minimumRequests must be positive")
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, "breaker.successThreshold must be positive")
	}

	if cfg.Notify.MaxAttempts <= 0 {
		errs = append(errs, "notify.maxAttempts must be positive")
	}
	if cfg.Notify.FailedQueueSize <= 0 {
		errs = append(errs, "notify.failedQueueSize must be positive")
	}

	if cfg.RateLimit.PerMinute <= 0 {
		errs = append(errs, "rateLimit.perMinute must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
