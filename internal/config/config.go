// Package config provides configuration loading, validation, and defaults
// for the lingod engine. Values come from config.yaml and LINGOD_* environment
// variables layered over built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the complete engine configuration, grouped by component.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Translator TranslatorConfig `mapstructure:"translator"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Hub        HubConfig        `mapstructure:"hub"`
	Server     ServerConfig     `mapstructure:"server"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds SQLite storage settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TranslatorConfig holds settings for the translation provider client.
type TranslatorConfig struct {
	APIKey            string        `mapstructure:"api_key"             validate:"required"`
	Model             string        `mapstructure:"model"               validate:"required"`
	Temperature       float32       `mapstructure:"temperature"         validate:"min=0,max=2"`
	MaxRetries        int           `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int           `mapstructure:"retry_delay_seconds" validate:"min=0,max=60"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"     validate:"required,min=1s,max=10m"`
}

// TransportConfig holds settings shared by per-account transport connections.
type TransportConfig struct {
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"   validate:"required,min=1s,max=2m"`
	RatePerSecond    int           `mapstructure:"rate_per_second"    validate:"min=1,max=100"`
	InboundQueueSize int           `mapstructure:"inbound_queue_size" validate:"min=1"`
}

// SessionsConfig controls account connection behavior.
type SessionsConfig struct {
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"         validate:"required,min=1s,max=5m"`
	MaxConcurrentConnects int           `mapstructure:"max_concurrent_connects" validate:"min=1,max=64"`
}

// SchedulerConfig controls the periodic background jobs.
type SchedulerConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval"       validate:"required,min=1s,max=1h"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"required,min=1m"`
}

// HubConfig controls the per-user event fan-out connections.
type HubConfig struct {
	SendQueueSize int           `mapstructure:"send_queue_size" validate:"min=1"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"   validate:"required,min=1s,max=1m"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"    validate:"required,min=10s,max=10m"`
}

// ServerConfig holds HTTP listener settings for the hub gateway and metrics.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,min=1s,max=1m"`
}

// Validate checks the configuration against the struct validation tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
