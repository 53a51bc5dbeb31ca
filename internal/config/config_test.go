package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/pkg/model"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:2379"}, c.Etcd.Endpoints)
	assert.Equal(t, string(model.StrategyResourceAware), c.Scheduler.Strategy)
	assert.Equal(t, 30*time.Second, c.Scheduler.HealthCheckInterval)
	assert.Equal(t, 60*time.Second, c.Scheduler.HealthCheckTimeout)
	assert.Equal(t, 0.9, c.Scheduler.OverloadThreshold)
	assert.Equal(t, ":9090", c.Metrics.ListenAddr)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, "titan.pool", c.Worker.LabelKey)
	assert.NotEmpty(t, c.Worker.ID)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "titan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
etcd:
  endpoints: ["etcd-0:2379", "etcd-1:2379"]
scheduler:
  strategy: least-loaded
  healthCheckInterval: 5s
worker:
  id: host-a
`), 0o600))
	t.Setenv("TITAN_SCHEDULER_OVERLOADTHRESHOLD", "0.75")

	c, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, c.Etcd.Endpoints)
	assert.Equal(t, "least-loaded", c.Scheduler.Strategy)
	assert.Equal(t, 5*time.Second, c.Scheduler.HealthCheckInterval)
	assert.Equal(t, 0.75, c.Scheduler.OverloadThreshold)
	assert.Equal(t, "host-a", c.Worker.ID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c, err := Load(viper.New(), "")
		require.NoError(t, err)
		return c
	}

	tests := map[string]struct {
		mutate  func(c *Config)
		wantErr string
	}{
		"valid":              {mutate: func(*Config) {}},
		"unknown strategy":   {mutate: func(c *Config) { c.Scheduler.Strategy = "random" }, wantErr: "scheduler.strategy"},
		"zero interval":      {mutate: func(c *Config) { c.Scheduler.HealthCheckInterval = 0 }, wantErr: "scheduler.healthCheckInterval"},
		"negative probe":     {mutate: func(c *Config) { c.Worker.ProbeInterval = -time.Second }, wantErr: "worker.probeInterval"},
		"threshold above 1":  {mutate: func(c *Config) { c.Scheduler.OverloadThreshold = 1.5 }, wantErr: "scheduler.overloadThreshold"},
		"threshold zero":     {mutate: func(c *Config) { c.Scheduler.OverloadThreshold = 0 }, wantErr: "scheduler.overloadThreshold"},
		"no etcd endpoints":  {mutate: func(c *Config) { c.Etcd.Endpoints = nil }, wantErr: "etcd.endpoints"},
		"empty persistQueue": {mutate: func(c *Config) { c.Scheduler.PersistQueueSize = 0 }, wantErr: "scheduler.persistQueueSize"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	c := &Config{}
	err := c.Validate()
	require.Error(t, err)
	for _, key := range []string{"etcd.endpoints", "scheduler.strategy", "worker.probeInterval", "scheduler.overloadThreshold"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestRegistryConfig(t *testing.T) {
	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	c.Scheduler.Strategy = string(model.StrategyAffinityBased)

	rc := c.RegistryConfig()
	assert.Equal(t, model.StrategyAffinityBased, rc.Strategy.Type)
	assert.Equal(t, c.Scheduler.HealthCheckTimeout, rc.HealthCheckTimeout)
	assert.Equal(t, c.Etcd.RequestTimeout, rc.PersistTimeout)
}

func TestConfigureLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	require.NoError(t, ConfigureLogging(LogConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	assert.Error(t, ConfigureLogging(LogConfig{Level: "loud"}))
	assert.Error(t, ConfigureLogging(LogConfig{Level: "info", Format: "xml"}))
}
