package pathing

import (
	"log"
	"os"
	"path/filepath"
)

// Ensure directories exist on startup
func init() {
	// Directories that must exist:
	dirs := []string{
		GetDataDir(),
	}

	// Create all directories
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				// Deferred to first use: an overridden dir may appear later.
				log.Printf("Warning: could not create %s: %v", dir, err)
			}
		}
	}
}

func GetCoreDbPath() string {
	// Join path
	return filepath.Join(GetDataDir(), "fleet-telemetry.db")
}

func GetDataDir() string {
	if dir := os.Getenv("FLEET_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/fleet_telemetry"
}

func GetConfigDir() string {
	if dir := os.Getenv("FLEET_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/fleet_telemetry"
}
