package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/nexwatt/fleet_telemetry/pkg/pathing"
)

var ActiveCollectorConfig *CollectorConfig

func LoadCollectorConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "fleet_collector.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &CollectorConfig{
			ListenAddress:         "0.0.0.0",
			ListenPort:            9044,
			HeartbeatSeconds:      60,
			Workers:               4,
			AcquireTimeoutSeconds: 45,
			MqttBroker:            "",
			MqttTopic:             "fleet/+/telemetry",
			RetentionDays:         90,
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveCollectorConfig = cfg
		return nil
	}

	// Load existing config
	var cfg CollectorConfig
	_, err := toml.DecodeFile(configPath, &cfg)
	if err != nil {
		return err
	}
	applyDefaults(&cfg)
	ActiveCollectorConfig = &cfg
	return nil
}

// Zero values in a hand-edited file fall back to workable settings.
func applyDefaults(cfg *CollectorConfig) {
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = 60
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.AcquireTimeoutSeconds <= 0 || cfg.AcquireTimeoutSeconds >= cfg.HeartbeatSeconds {
		// Acquisition must finish within one heartbeat.
		cfg.AcquireTimeoutSeconds = cfg.HeartbeatSeconds * 3 / 4
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.MqttTopic == "" {
		cfg.MqttTopic = "fleet/+/telemetry"
	}
}
