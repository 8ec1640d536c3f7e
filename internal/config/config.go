// Package config loads runtime settings from the environment with an
// optional .env file, viper-backed.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// MLLP listener for analyzer connections.
	TCPHost string `mapstructure:"TCP_HOST"`
	TCPPort int    `mapstructure:"TCP_PORT"`

	// Filesystem drop zones.
	InboxDir    string `mapstructure:"INBOX_DIR"`
	InboxPollMS int    `mapstructure:"INBOX_POLL_MS"`
	MessageDir  string `mapstructure:"MESSAGE_DIR"`
	TraceDir    string `mapstructure:"TRACE_DIR"`

	// Remote laboratory information system API.
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	APIKey     string `mapstructure:"API_KEY"`
	APISecret  string `mapstructure:"API_SECRET"`
	APITimeout int    `mapstructure:"API_TIMEOUT_SECONDS"`

	// Analyzer profile and code mapping documents.
	ProfilePath string `mapstructure:"PROFILE_PATH"`
	MappingPath string `mapstructure:"MAPPING_PATH"`

	// Background export of dispatched results.
	ExportEnabled    bool `mapstructure:"EXPORT_ENABLED"`
	ExportIntervalMS int  `mapstructure:"EXPORT_INTERVAL_MS"`
	ExportBatchSize  int  `mapstructure:"EXPORT_BATCH_SIZE"`
	TraceEnabled     bool `mapstructure:"TRACE_ENABLED"`

	// Exam-close defaults applied when finishing an exam remotely.
	CloseResultadoGlobal string `mapstructure:"CLOSE_RESULTADO_GLOBAL"`
	CloseResponsable     string `mapstructure:"CLOSE_RESPONSABLE"`
	CloseNotas           string `mapstructure:"CLOSE_NOTAS"`
	CloseOnFirstSuccess  bool   `mapstructure:"CLOSE_ON_FIRST_SUCCESS"`

	// Ops HTTP API.
	OpsAddr string `mapstructure:"OPS_ADDR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TCP_HOST", "0.0.0.0")
	v.SetDefault("TCP_PORT", 5002)
	v.SetDefault("INBOX_DIR", "./inbox")
	v.SetDefault("INBOX_POLL_MS", 10000)
	v.SetDefault("MESSAGE_DIR", "./data/messages")
	v.SetDefault("TRACE_DIR", "./data/traces")
	v.SetDefault("API_TIMEOUT_SECONDS", 20)
	v.SetDefault("PROFILE_PATH", "./configs/profiles.yaml")
	v.SetDefault("MAPPING_PATH", "./configs/mapping.json")
	v.SetDefault("EXPORT_ENABLED", false)
	v.SetDefault("EXPORT_INTERVAL_MS", 5000)
	v.SetDefault("EXPORT_BATCH_SIZE", 200)
	v.SetDefault("TRACE_ENABLED", true)
	v.SetDefault("CLOSE_RESULTADO_GLOBAL", "Normal")
	v.SetDefault("CLOSE_RESPONSABLE", "PENDIENTEVALIDAR")
	v.SetDefault("CLOSE_NOTAS", "Enviado desde integracion")
	v.SetDefault("CLOSE_ON_FIRST_SUCCESS", true)
	// Control surface only; bind loopback unless explicitly exposed.
	v.SetDefault("OPS_ADDR", "127.0.0.1:8080")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"TCP_HOST", "TCP_PORT",
		"INBOX_DIR", "INBOX_POLL_MS", "MESSAGE_DIR", "TRACE_DIR",
		"API_BASE_URL", "API_KEY", "API_SECRET", "API_TIMEOUT_SECONDS",
		"PROFILE_PATH", "MAPPING_PATH",
		"EXPORT_ENABLED", "EXPORT_INTERVAL_MS", "EXPORT_BATCH_SIZE",
		"TRACE_ENABLED",
		"CLOSE_RESULTADO_GLOBAL", "CLOSE_RESPONSABLE", "CLOSE_NOTAS",
		"CLOSE_ON_FIRST_SUCCESS",
		"OPS_ADDR",
	} {
		v.BindEnv(key)
	}

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the process cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("TCP_PORT %d out of range", c.TCPPort)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("API_TIMEOUT_SECONDS must be positive")
	}
	if c.InboxPollMS <= 0 {
		return fmt.Errorf("INBOX_POLL_MS must be positive")
	}
	if c.ExportEnabled {
		if c.ExportIntervalMS <= 0 {
			return fmt.Errorf("EXPORT_INTERVAL_MS must be positive when export is enabled")
		}
		if c.ExportBatchSize <= 0 {
			return fmt.Errorf("EXPORT_BATCH_SIZE must be positive when export is enabled")
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// APITimeoutDuration returns the remote API timeout as a duration.
func (c *Config) APITimeoutDuration() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

// ExportInterval returns the dispatch loop period.
func (c *Config) ExportInterval() time.Duration {
	return time.Duration(c.ExportIntervalMS) * time.Millisecond
}

// InboxPollInterval returns the inbox polling period.
func (c *Config) InboxPollInterval() time.Duration {
	return time.Duration(c.InboxPollMS) * time.Millisecond
}
