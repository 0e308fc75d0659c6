package config

// SystemConfig declares one monitored system for this deployment.
// Onboarding itself happens outside the core; the collector only syncs
// these records into the store at startup.
type SystemConfig struct {
	ID          int64             `toml:"id"`
	Vendor      string            `toml:"vendor"`
	SiteID      string            `toml:"site_id"`
	Status      string            `toml:"status"`
	TZOffsetMin int               `toml:"tz_offset_min"`
	Owner       string            `toml:"owner"`
	Credentials map[string]string `toml:"credentials"`
}

type CollectorConfig struct {
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`

	// Scheduler
	HeartbeatSeconds      int `toml:"heartbeat_seconds"`
	Workers               int `toml:"workers"`
	AcquireTimeoutSeconds int `toml:"acquire_timeout_seconds"`

	// Push intake over MQTT. Empty broker disables the listener.
	MqttBroker string `toml:"mqtt_broker"`
	MqttTopic  string `toml:"mqtt_topic"`

	// Raw readings older than this are pruned once aggregated.
	RetentionDays int `toml:"retention_days"`

	Systems []SystemConfig `toml:"systems"`
}
