package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig = "CARTSYNC_CONFIG"
	EnvGroup  = "CARTSYNC_GROUP"
	EnvHubURL = "CARTSYNC_HUB_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CARTSYNC_CONFIG: override config file path
	Group      string // CARTSYNC_GROUP: shared group id
	HubURL     string // CARTSYNC_HUB_URL: hub WebSocket URL
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Group:      os.Getenv(EnvGroup),
		HubURL:     os.Getenv(EnvHubURL),
	}
}
