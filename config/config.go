// Package config holds the engine's configuration, loaded through Viper.
package config

// Config represents the core engine configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Airflow   AirflowConfig   `mapstructure:"airflow"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig configures the tick loop and execution defaults
type SchedulerConfig struct {
	// TickerIntervalSeconds is how often the tick loop checks for due schedules
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"`

	// Defaults applied when a schedule does not set its own policy values
	DefaultRetryCount        int     `mapstructure:"default_retry_count"`
	DefaultRetryDelaySeconds int     `mapstructure:"default_retry_delay_seconds"`
	DefaultTimeoutSeconds    int     `mapstructure:"default_timeout_seconds"`
	BackoffFactor            float64 `mapstructure:"backoff_factor"`

	// RetentionDays bounds execution history growth (0 = keep forever)
	RetentionDays int `mapstructure:"retention_days"`
}

// AirflowConfig configures the external orchestrator sync
type AirflowConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DagPrefix       string `mapstructure:"dag_prefix"`
	IntervalSeconds int    `mapstructure:"interval_seconds"` // 0 = manual sync only
}

// NotifyConfig configures notification dispatch
type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
