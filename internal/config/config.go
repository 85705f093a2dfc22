// Package config loads the runtime configuration for the gateway sync
// client from environment variables (WISERSYNC_ prefix) and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config is the full configuration surface recognized by the core.
type Config struct {
	LogLevel zapcore.Level

	Host     string `mapstructure:"host"`
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`

	StrictValidation     bool `mapstructure:"strict_validation"`
	ReconnectMaxAttempts int  `mapstructure:"reconnect_max_attempts"`

	// DiagnosticsPort enables the local diagnostics HTTP server when
	// non-zero.
	DiagnosticsPort int `mapstructure:"diagnostics_port"`

	ClaimTimeout      time.Duration `mapstructure:"claim_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

func setDefaults() {
	// Every key needs a default: Unmarshal only sees keys viper knows
	// about, and AutomaticEnv alone does not register them.
	viper.SetDefault("log_level", "info")
	viper.SetDefault("host", "")
	viper.SetDefault("username", "installer")
	viper.SetDefault("token", "")
	viper.SetDefault("strict_validation", true)
	viper.SetDefault("reconnect_max_attempts", 10)
	viper.SetDefault("diagnostics_port", 0)
	viper.SetDefault("claim_timeout", 30*time.Second)
	viper.SetDefault("request_timeout", 5*time.Second)
	viper.SetDefault("heartbeat_interval", 30*time.Second)
}

// Load reads configuration from the environment and, when CONFIG_FILE
// points at an existing file, from YAML. Returns a validated config.
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("wisersync")
	viper.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch viper.GetString("log_level") {
	case "debug", "trace":
		cfg.LogLevel = zapcore.DebugLevel
	case "warn":
		cfg.LogLevel = zapcore.WarnLevel
	case "error":
		cfg.LogLevel = zapcore.ErrorLevel
	default:
		cfg.LogLevel = zapcore.InfoLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("config param host must be set")
	}
	if c.Username == "" {
		return errors.New("config param username must be set")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return errors.New("config param reconnect_max_attempts should be > 0")
	}
	if c.DiagnosticsPort < 0 || c.DiagnosticsPort > 65535 {
		return errors.New("config param diagnostics_port should be a valid port or 0")
	}
	if c.ClaimTimeout < time.Second {
		return errors.New("config param claim_timeout should be >= 1s")
	}
	if c.RequestTimeout < 100*time.Millisecond {
		return errors.New("config param request_timeout should be >= 100ms")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("config param heartbeat_interval should be >= 1s")
	}
	return nil
}
