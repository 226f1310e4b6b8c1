// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cartsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Durations are kept as strings so the file round-trips unchanged; Resolve
// parses them into a Resolved.
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Remote  RemoteConfig  `toml:"remote"`
	Sync    SyncConfig    `toml:"sync"`
	Store   StoreConfig   `toml:"store"`
	Hub     HubConfig     `toml:"hub"`
	Logging LoggingConfig `toml:"logging"`
}

// DeviceConfig identifies this device and its user within the group.
type DeviceConfig struct {
	User    string `toml:"user"`
	DataDir string `toml:"data_dir"`
}

// RemoteConfig selects the shared group and the hub that serves it.
type RemoteConfig struct {
	Group          string `toml:"group"`
	HubURL         string `toml:"hub_url"`
	RequestTimeout string `toml:"request_timeout"`
}

// SyncConfig controls the queue drain and list locking.
type SyncConfig struct {
	MaxRetries      int    `toml:"max_retries"`
	BaseBackoff     string `toml:"base_backoff"`
	MaxBackoff      string `toml:"max_backoff"`
	DrainSchedule   string `toml:"drain_schedule"`
	LockTTL         string `toml:"lock_ttl"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path string `toml:"path"` // empty = {data_dir}/cartsync.db
}

// HubConfig configures `cartsync hub`.
type HubConfig struct {
	Listen string   `toml:"listen"`
	Tokens []string `toml:"tokens"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level" json:"log_level"`
	LogFile          string `toml:"log_file" json:"log_file"`
	LogFormat        string `toml:"log_format" json:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days" json:"log_retention_days"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Group      *string // --group flag
	HubURL     *string // --hub flag
	User       *string // --user flag
	DataDir    *string // --data-dir flag
}

// Resolved is the fully merged configuration with paths expanded and
// durations parsed. It is what the rest of the program consumes.
type Resolved struct {
	ConfigPath string

	User    string
	DataDir string
	DBPath  string

	Group          string
	HubURL         string
	RequestTimeout time.Duration

	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	DrainSchedule   string
	LockTTL         time.Duration
	ShutdownTimeout time.Duration

	Hub     HubConfig
	Logging LoggingConfig
}
