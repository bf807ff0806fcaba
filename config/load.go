package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the engine configuration using Viper.
// Search order: ./kpi-engine.yaml, then environment variables with the
// KPI_ENGINE_ prefix.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("kpi-engine")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	SetDefaults(v)

	v.SetEnvPrefix("KPI_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine - defaults and env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return LoadWithViper(v)
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "kpi-engine.db")

	// Server defaults
	v.SetDefault("server.port", 8043)

	// Scheduler defaults
	v.SetDefault("scheduler.ticker_interval_seconds", 1)
	v.SetDefault("scheduler.default_retry_count", 3)
	v.SetDefault("scheduler.default_retry_delay_seconds", 60)
	v.SetDefault("scheduler.default_timeout_seconds", 300)
	v.SetDefault("scheduler.backoff_factor", 2.0)
	v.SetDefault("scheduler.retention_days", 90)

	// Airflow sync defaults
	v.SetDefault("airflow.enabled", false)
	v.SetDefault("airflow.dag_prefix", "kpi_schedule")
	v.SetDefault("airflow.interval_seconds", 0)

	// Notification defaults
	v.SetDefault("notify.enabled", true)
}
