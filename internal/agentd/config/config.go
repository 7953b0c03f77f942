// Package config provides configuration for the agentd worker binary.
// It mirrors the broker's loader: defaults, optional yaml file, and
// AGENTD_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	commonconfig "github.com/botmaster/botmaster/internal/common/config"
)

// Config holds all configuration sections for the agent.
type Config struct {
	Broker  BrokerConfig               `mapstructure:"broker"`
	Runner  RunnerConfig               `mapstructure:"runner"`
	Deploy  DeployConfig               `mapstructure:"deploy"`
	Logging commonconfig.LoggingConfig `mapstructure:"logging"`
}

// BrokerConfig holds the broker connection settings.
type BrokerConfig struct {
	URL                 string `mapstructure:"url"`    // ws://host:port/ws/agent
	APIKey              string `mapstructure:"apiKey"` // bmk_ credential bound to this agent
	ReconnectBaseMs     int    `mapstructure:"reconnectBaseMs"`
	ReconnectMaxSeconds int    `mapstructure:"reconnectMaxSeconds"`
	HeartbeatSeconds    int    `mapstructure:"heartbeatSeconds"`
	WriteTimeoutSeconds int    `mapstructure:"writeTimeoutSeconds"`
}

// RunnerConfig selects and tunes the task runner.
type RunnerConfig struct {
	Kind                     string `mapstructure:"kind"`    // cli or api
	CLIPath                  string `mapstructure:"cliPath"` // coding CLI binary
	AnthropicAPIKey          string `mapstructure:"anthropicApiKey"`
	DefaultModel             string `mapstructure:"defaultModel"`
	MaxTurns                 int    `mapstructure:"maxTurns"`
	InvocationTimeoutMinutes int    `mapstructure:"invocationTimeoutMinutes"`
	MaxConcurrentTasks       int    `mapstructure:"maxConcurrentTasks"`
	AttachmentDir            string `mapstructure:"attachmentDir"` // empty means os.TempDir()
}

// DeployConfig holds the deploy-request pipeline settings.
type DeployConfig struct {
	Command        string `mapstructure:"command"` // run in the project's local path
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// ReconnectBase returns the first reconnect delay.
func (b *BrokerConfig) ReconnectBase() time.Duration {
	return time.Duration(b.ReconnectBaseMs) * time.Millisecond
}

// ReconnectMax returns the reconnect delay ceiling.
func (b *BrokerConfig) ReconnectMax() time.Duration {
	return time.Duration(b.ReconnectMaxSeconds) * time.Second
}

// HeartbeatInterval returns the agent-status period.
func (b *BrokerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatSeconds) * time.Second
}

// WriteTimeout returns the per-frame write deadline.
func (b *BrokerConfig) WriteTimeout() time.Duration {
	return time.Duration(b.WriteTimeoutSeconds) * time.Second
}

// InvocationTimeout returns the whole-task wall-clock limit.
func (r *RunnerConfig) InvocationTimeout() time.Duration {
	return time.Duration(r.InvocationTimeoutMinutes) * time.Minute
}

// Timeout returns the deploy pipeline limit.
func (d *DeployConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "ws://localhost:8080/ws/agent")
	v.SetDefault("broker.apiKey", "")
	v.SetDefault("broker.reconnectBaseMs", 500)
	v.SetDefault("broker.reconnectMaxSeconds", 30)
	v.SetDefault("broker.heartbeatSeconds", 30)
	v.SetDefault("broker.writeTimeoutSeconds", 10)

	v.SetDefault("runner.kind", "cli")
	v.SetDefault("runner.cliPath", "claude")
	v.SetDefault("runner.anthropicApiKey", "")
	v.SetDefault("runner.defaultModel", "")
	v.SetDefault("runner.maxTurns", 50)
	v.SetDefault("runner.invocationTimeoutMinutes", 60)
	v.SetDefault("runner.maxConcurrentTasks", 2)
	v.SetDefault("runner.attachmentDir", "")

	v.SetDefault("deploy.command", "make deploy")
	v.SetDefault("deploy.timeoutSeconds", 600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the AGENTD_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase config keys need explicit snake_case bindings.
	_ = v.BindEnv("broker.apiKey", "AGENTD_BROKER_API_KEY")
	_ = v.BindEnv("runner.cliPath", "AGENTD_RUNNER_CLI_PATH")
	_ = v.BindEnv("runner.anthropicApiKey", "ANTHROPIC_API_KEY", "AGENTD_RUNNER_ANTHROPIC_API_KEY")
	_ = v.BindEnv("runner.defaultModel", "AGENTD_RUNNER_DEFAULT_MODEL")
	_ = v.BindEnv("runner.maxTurns", "AGENTD_RUNNER_MAX_TURNS")
	_ = v.BindEnv("runner.attachmentDir", "AGENTD_RUNNER_ATTACHMENT_DIR")

	v.SetConfigName("agentd")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/botmaster/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Broker.URL == "" {
		errs = append(errs, "broker.url is required")
	}
	if cfg.Broker.APIKey == "" {
		errs = append(errs, "broker.apiKey is required")
	}
	if cfg.Broker.HeartbeatSeconds <= 0 {
		errs = append(errs, "broker.heartbeatSeconds must be positive")
	}

	switch cfg.Runner.Kind {
	case "cli":
		if cfg.Runner.CLIPath == "" {
			errs = append(errs, "runner.cliPath is required for the cli runner")
		}
	case "api":
		if cfg.Runner.AnthropicAPIKey == "" {
			errs = append(errs, "runner.anthropicApiKey is required for the api runner")
		}
	default:
		errs = append(errs, "runner.kind must be cli or api")
	}
	if cfg.Runner.MaxTurns <= 0 {
		errs = append(errs, "runner.maxTurns must be positive")
	}
	if cfg.Runner.InvocationTimeoutMinutes <= 0 {
		errs = append(errs, "runner.invocationTimeoutMinutes must be positive")
	}
	if cfg.Runner.MaxConcurrentTasks <= 0 {
		errs = append(errs, "runner.maxConcurrentTasks must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
