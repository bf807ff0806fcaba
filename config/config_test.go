package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "kpi-engine.db", cfg.Database.Path)
	assert.Equal(t, 8043, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Scheduler.TickerIntervalSeconds)
	assert.Equal(t, 3, cfg.Scheduler.DefaultRetryCount)
	assert.Equal(t, 60, cfg.Scheduler.DefaultRetryDelaySeconds)
	assert.Equal(t, 300, cfg.Scheduler.DefaultTimeoutSeconds)
	assert.Equal(t, 2.0, cfg.Scheduler.BackoffFactor)
	assert.Equal(t, 90, cfg.Scheduler.RetentionDays)
	assert.False(t, cfg.Airflow.Enabled)
	assert.Equal(t, "kpi_schedule", cfg.Airflow.DagPrefix)
	assert.True(t, cfg.Notify.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kpi-engine.yaml")
	content := `
database:
  path: /tmp/test.db
server:
  port: 9000
scheduler:
  default_retry_count: 5
airflow:
  enabled: true
  dag_prefix: acme_kpi
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scheduler.DefaultRetryCount)
	assert.True(t, cfg.Airflow.Enabled)
	assert.Equal(t, "acme_kpi", cfg.Airflow.DagPrefix)

	// Unset values fall back to defaults
	assert.Equal(t, 300, cfg.Scheduler.DefaultTimeoutSeconds)
	assert.True(t, cfg.Notify.Enabled)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/kpi-engine.yaml")
	require.Error(t, err)
}
