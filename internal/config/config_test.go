package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/engineroom", cfg.Coordination.Root)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.True(t, cfg.Reaper.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Reaper.IdleTimeout.Std())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
coordination:
  servers: ["zk-1:2181", "zk-2:2181"]
  root: /inference
  sessionTimeout: 5s
cluster:
  namespace: models
orchestrator:
  provisionTimeout: 20m
reaper:
  enabled: false
http:
  listen: ":9090"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"zk-1:2181", "zk-2:2181"}, cfg.Coordination.Servers)
	assert.Equal(t, "/inference", cfg.Coordination.Root)
	assert.Equal(t, 5*time.Second, cfg.Coordination.SessionTimeout.Std())
	assert.Equal(t, "models", cfg.Cluster.Namespace)
	assert.Equal(t, 20*time.Minute, cfg.Orchestrator.ProvisionTimeout.Std())
	assert.False(t, cfg.Reaper.Enabled)
	assert.Equal(t, ":9090", cfg.HTTP.Listen)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Cluster.CrashLoopThreshold)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("ZK_HOSTS", "zk-a:2181, zk-b:2181")
	t.Setenv("DOCKER_IMAGE", "registry/engine:v3")
	t.Setenv("NAMESPACE", "inference")
	t.Setenv("MODEL_BASE_PATH", "/mnt/models")
	t.Setenv("ENGINEROOM_STANDALONE", "true")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"zk-a:2181", "zk-b:2181"}, cfg.Coordination.Servers)
	assert.Equal(t, "registry/engine:v3", cfg.Cluster.DefaultImage)
	assert.Equal(t, "inference", cfg.Cluster.Namespace)
	assert.Equal(t, "/mnt/models", cfg.Models.BasePath)
	assert.True(t, cfg.Standalone)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "coordination: [not a mapping")

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  provisionTimeout: soon
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"no servers", func(c *Config) { c.Coordination.Servers = nil }, false},
		{"no servers standalone", func(c *Config) {
			c.Coordination.Servers = nil
			c.Standalone = true
		}, true},
		{"relative root", func(c *Config) { c.Coordination.Root = "engineroom" }, false},
		{"no namespace", func(c *Config) { c.Cluster.Namespace = "" }, false},
		{"zero lock timeout", func(c *Config) { c.Orchestrator.LockTimeout = 0 }, false},
		{"retry max below base", func(c *Config) { c.Cluster.RetryMaxDelay = c.Cluster.RetryBaseDelay / 2 }, false},
		{"zero reaper interval", func(c *Config) { c.Reaper.Interval = 0 }, false},
		{"zero reaper interval disabled", func(c *Config) {
			c.Reaper.Interval = 0
			c.Reaper.Enabled = false
		}, true},
		{"no listen address", func(c *Config) { c.HTTP.Listen = "" }, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			test.mutate(&cfg)
			err := cfg.Validate()
			if test.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
