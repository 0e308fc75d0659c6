package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := CollectorConfig{}
	applyDefaults(&cfg)

	assert.Equal(t, 60, cfg.HeartbeatSeconds)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 45, cfg.AcquireTimeoutSeconds)
	assert.Equal(t, 90, cfg.RetentionDays)
	assert.Equal(t, "fleet/+/telemetry", cfg.MqttTopic)
}

func TestApplyDefaultsCapsAcquireTimeout(t *testing.T) {
	cfg := CollectorConfig{
		HeartbeatSeconds:      120,
		AcquireTimeoutSeconds: 300,
	}
	applyDefaults(&cfg)

	// Acquisition must finish within one heartbeat.
	assert.Equal(t, 90, cfg.AcquireTimeoutSeconds)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := CollectorConfig{
		HeartbeatSeconds:      30,
		Workers:               8,
		AcquireTimeoutSeconds: 20,
		RetentionDays:         7,
		MqttTopic:             "custom/+/intake",
	}
	applyDefaults(&cfg)

	assert.Equal(t, 30, cfg.HeartbeatSeconds)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 20, cfg.AcquireTimeoutSeconds)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, "custom/+/intake", cfg.MqttTopic)
}

func TestLoadCollectorConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLEET_CONFIG_DIR", dir)

	require.NoError(t, LoadCollectorConfig())
	require.NotNil(t, ActiveCollectorConfig)
	assert.Equal(t, 9044, ActiveCollectorConfig.ListenPort)
	assert.Equal(t, 60, ActiveCollectorConfig.HeartbeatSeconds)

	_, err := os.Stat(filepath.Join(dir, "fleet_collector.toml"))
	assert.NoError(t, err)
}

func TestLoadCollectorConfigReadsExisting(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLEET_CONFIG_DIR", dir)

	body := `
listen_address = "127.0.0.1"
listen_port = 9100
heartbeat_seconds = 30

[[systems]]
id = 7
vendor = "evlink"
site_id = "veh-7"
status = "active"
tz_offset_min = 120
owner = "acct-42"
[systems.credentials]
api_token = "secret"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleet_collector.toml"), []byte(body), 0644))

	require.NoError(t, LoadCollectorConfig())
	cfg := ActiveCollectorConfig
	assert.Equal(t, "127.0.0.1", cfg.ListenAddress)
	assert.Equal(t, 9100, cfg.ListenPort)
	assert.Equal(t, 30, cfg.HeartbeatSeconds)
	// Unset fields fall back to defaults.
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 90, cfg.RetentionDays)

	require.Len(t, cfg.Systems, 1)
	sys := cfg.Systems[0]
	assert.Equal(t, int64(7), sys.ID)
	assert.Equal(t, "evlink", sys.Vendor)
	assert.Equal(t, "veh-7", sys.SiteID)
	assert.Equal(t, 120, sys.TZOffsetMin)
	assert.Equal(t, "secret", sys.Credentials["api_token"])
}
