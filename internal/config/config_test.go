package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 100, cfg.Store.FlushSize)
	assert.Equal(t, 5*time.Second, cfg.Store.FlushInterval)
	assert.Equal(t, "gte", cfg.Occupancy.Mode)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadFile_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
store:
  backend: badger
  badger_path: /tmp/events
  flush_size: 10
occupancy:
  threshold: 3
  mode: gt
  hysteresis: 1
  rooms:
    room-1: 5
mqtt:
  namespace: acme
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MAGICSAAS_STORE__FLUSH_SIZE", "25")
	t.Setenv("MAGICSAAS_STORE__FLUSH_INTERVAL", "250ms")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 25, cfg.Store.FlushSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.FlushInterval)
	assert.Equal(t, 3, cfg.Occupancy.Threshold)
	assert.Equal(t, "gt", cfg.Occupancy.Mode)
	assert.Equal(t, 5, cfg.Occupancy.Rooms["room-1"])
	assert.Equal(t, "acme", cfg.MQTT.Namespace)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = "postgres" }},
		{name: "postgres with dsn", mutate: func(c *Config) {
			c.Store.Backend = "postgres"
			c.Store.DSN = "postgres://localhost/events"
		}, ok: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }},
		{name: "zero flush size", mutate: func(c *Config) { c.Store.FlushSize = 0 }},
		{name: "bad mode", mutate: func(c *Config) { c.Occupancy.Mode = "lte" }},
		{name: "hysteresis above threshold", mutate: func(c *Config) {
			c.Occupancy.Threshold = 2
			c.Occupancy.Hysteresis = 2
		}},
		{name: "mqtt enabled without broker", mutate: func(c *Config) { c.MQTT.Enabled = true }},
		{name: "qos zero", mutate: func(c *Config) { c.MQTT.QoS = 0 }},
		{name: "separator in mqtt tenant", mutate: func(c *Config) { c.MQTT.Tenant = "a:b" }},
		{name: "separator in zigbee tenant", mutate: func(c *Config) { c.Zigbee.DefaultTenant = "a:b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "store.flush_size", envKey("MAGICSAAS_STORE__FLUSH_SIZE"))
	assert.Equal(t, "mqtt.broker_url", envKey("MAGICSAAS_MQTT__BROKER_URL"))
}
