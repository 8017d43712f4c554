package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader(WithConfigPaths()).Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "broker.rules", cfg.RulesPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Dashboard.Enabled)
	assert.Equal(t, 9090, cfg.Dashboard.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 8
rules_path: /etc/qosbroker/broker.rules
log:
  level: debug
  format: text
dashboard:
  enabled: true
  port: 8088
`), 0o644))

	cfg, err := NewLoader(WithConfigPaths(path)).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "/etc/qosbroker/broker.rules", cfg.RulesPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, 8088, cfg.Dashboard.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 8\n"), 0o644))

	t.Setenv("QOSBROKER_WORKERS", "2")
	t.Setenv("QOSBROKER_LOG__LEVEL", "warn")

	cfg, err := NewLoader(WithConfigPaths(path)).Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"missing rules", func(c *Config) { c.RulesPath = "" }, "rules_path"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log level"},
		{"bad dashboard port", func(c *Config) {
			c.Dashboard.Enabled = true
			c.Dashboard.Port = 0
		}, "port"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Workers: 4, RulesPath: "broker.rules", Log: LogConfig{Level: "info"}}
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
