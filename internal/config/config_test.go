package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  dsn: file:demo.db
  busy_timeout_ms: 2500
  max_open_conns: 8
logging:
  level: debug
  format: json
queue:
  fail_pending_on_shutdown: true
`))
	require.NoError(t, err)
	assert.Equal(t, "file:demo.db", cfg.Database.DSN)
	assert.Equal(t, 2500, cfg.Database.BusyTimeoutMS)
	assert.Equal(t, 8, cfg.Database.MaxOpenConns)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Queue.FailPendingOnShutdown)
}

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  dsn: file:demo.db\n"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Database.BusyTimeoutMS)
	assert.Equal(t, 4, cfg.Database.MaxOpenConns)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.False(t, cfg.Queue.FailPendingOnShutdown)
}

func TestParse_MissingDSNRejected(t *testing.T) {
	_, err := Parse([]byte("logging:\n  level: info\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestParse_BadLevelRejected(t *testing.T) {
	_, err := Parse([]byte(`
database:
  dsn: file:demo.db
logging:
  level: shouting
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestParse_BadYAMLRejected(t *testing.T) {
	_, err := Parse([]byte("database: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestParse_NegativeTimeoutRejected(t *testing.T) {
	_, err := Parse([]byte(`
database:
  dsn: file:demo.db
  busy_timeout_ms: -1
`))
	require.Error(t, err)
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, validate(cfg))
}
