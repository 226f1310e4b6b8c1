package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ConfigPath picks the config file: CLI > env > default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.Group != "" {
		cfg.Remote.Group = env.Group
	}

	if env.HubURL != "" {
		cfg.Remote.HubURL = env.HubURL
	}

	if cli.Group != nil {
		cfg.Remote.Group = *cli.Group
	}

	if cli.HubURL != nil {
		cfg.Remote.HubURL = *cli.HubURL
	}

	if cli.User != nil {
		cfg.Device.User = *cli.User
	}

	if cli.DataDir != nil {
		cfg.Device.DataDir = *cli.DataDir
	}

	// Overrides may have introduced invalid values.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	resolved.ConfigPath = cfgPath

	return resolved, nil
}

// resolve expands paths and parses durations. cfg must be valid.
func resolve(cfg *Config) (*Resolved, error) {
	dataDir := expandTilde(cfg.Device.DataDir)
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	if dataDir == "" {
		return nil, errors.New("config: cannot determine data directory; set device.data_dir")
	}

	dbPath := expandTilde(cfg.Store.Path)
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, dbFileName)
	}

	r := &Resolved{
		User:          cfg.Device.User,
		DataDir:       dataDir,
		DBPath:        dbPath,
		Group:         cfg.Remote.Group,
		HubURL:        cfg.Remote.HubURL,
		MaxRetries:    cfg.Sync.MaxRetries,
		DrainSchedule: cfg.Sync.DrainSchedule,
		Hub:           cfg.Hub,
		Logging:       cfg.Logging,
	}

	r.Logging.LogFile = expandTilde(r.Logging.LogFile)

	durations := []struct {
		value string
		dst   *time.Duration
	}{
		{cfg.Remote.RequestTimeout, &r.RequestTimeout},
		{cfg.Sync.BaseBackoff, &r.BaseBackoff},
		{cfg.Sync.MaxBackoff, &r.MaxBackoff},
		{cfg.Sync.LockTTL, &r.LockTTL},
		{cfg.Sync.ShutdownTimeout, &r.ShutdownTimeout},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}

		*d.dst = parsed
	}

	return r, nil
}
