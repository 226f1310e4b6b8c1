package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultRequestTimeout   = "10s"
	defaultMaxRetries       = 5
	defaultBaseBackoff      = "1s"
	defaultMaxBackoff       = "16s"
	defaultDrainSchedule    = "@every 30s"
	defaultLockTTL          = "2h"
	defaultShutdownTimeout  = "30s"
	defaultHubListen        = "127.0.0.1:8787"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			RequestTimeout: defaultRequestTimeout,
		},
		Sync: SyncConfig{
			MaxRetries:      defaultMaxRetries,
			BaseBackoff:     defaultBaseBackoff,
			MaxBackoff:      defaultMaxBackoff,
			DrainSchedule:   defaultDrainSchedule,
			LockTTL:         defaultLockTTL,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Hub: HubConfig{
			Listen: defaultHubListen,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
	}
}
