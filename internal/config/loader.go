package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig loads and validates configuration from:
// 1. Built-in default values
// 2. The YAML file at path (missing file is tolerated)
// 3. LINGOD_* environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LINGOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		// Missing config file is fine, defaults and env vars apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers default values for all optional parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)

	v.SetDefault("database.path", "lingod.db")

	v.SetDefault("translator.model", "gemini-2.0-flash")
	v.SetDefault("translator.temperature", 0.2)
	v.SetDefault("translator.max_retries", 2)
	v.SetDefault("translator.retry_delay_seconds", 2)
	v.SetDefault("translator.request_timeout", 30*time.Second)

	v.SetDefault("transport.dispatch_timeout", 10*time.Second)
	v.SetDefault("transport.rate_per_second", 10)
	v.SetDefault("transport.inbound_queue_size", 128)

	v.SetDefault("sessions.connect_timeout", 30*time.Second)
	v.SetDefault("sessions.max_concurrent_connects", 4)

	v.SetDefault("scheduler.sweep_interval", 30*time.Second)
	v.SetDefault("scheduler.maintenance_interval", 24*time.Hour)

	v.SetDefault("hub.send_queue_size", 64)
	v.SetDefault("hub.write_timeout", 5*time.Second)
	// 2.5x the expected 30s client ping cadence, so two missed
	// heartbeats plus scheduling slack before a connection is pruned.
	v.SetDefault("hub.idle_timeout", 75*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}
