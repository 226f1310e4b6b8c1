package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cartsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the config file path in use",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			fmt.Println(config.ConfigPath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: cc.Flags.ConfigPath}))

			return nil
		},
	}
}

// effectiveConfig mirrors the file layout with every value resolved.
type effectiveConfig struct {
	ConfigPath string `toml:"config_path" json:"config_path"`
	Device     struct {
		User    string `toml:"user" json:"user"`
		DataDir string `toml:"data_dir" json:"data_dir"`
	} `toml:"device" json:"device"`
	Remote struct {
		Group          string `toml:"group" json:"group"`
		HubURL         string `toml:"hub_url" json:"hub_url"`
		RequestTimeout string `toml:"request_timeout" json:"request_timeout"`
	} `toml:"remote" json:"remote"`
	Sync struct {
		MaxRetries      int    `toml:"max_retries" json:"max_retries"`
		BaseBackoff     string `toml:"base_backoff" json:"base_backoff"`
		MaxBackoff      string `toml:"max_backoff" json:"max_backoff"`
		DrainSchedule   string `toml:"drain_schedule" json:"drain_schedule"`
		LockTTL         string `toml:"lock_ttl" json:"lock_ttl"`
		ShutdownTimeout string `toml:"shutdown_timeout" json:"shutdown_timeout"`
	} `toml:"sync" json:"sync"`
	Store struct {
		Path string `toml:"path" json:"path"`
	} `toml:"store" json:"store"`
	Hub struct {
		Listen string `toml:"listen" json:"listen"`
		Tokens int    `toml:"tokens" json:"tokens"` // count only, never the values
	} `toml:"hub" json:"hub"`
	Logging config.LoggingConfig `toml:"logging" json:"logging"`
}

func newEffectiveConfig(r *config.Resolved) effectiveConfig {
	var e effectiveConfig

	e.ConfigPath = r.ConfigPath
	e.Device.User = r.User
	e.Device.DataDir = r.DataDir
	e.Remote.Group = r.Group
	e.Remote.HubURL = r.HubURL
	e.Remote.RequestTimeout = r.RequestTimeout.String()
	e.Sync.MaxRetries = r.MaxRetries
	e.Sync.BaseBackoff = r.BaseBackoff.String()
	e.Sync.MaxBackoff = r.MaxBackoff.String()
	e.Sync.DrainSchedule = r.DrainSchedule
	e.Sync.LockTTL = r.LockTTL.String()
	e.Sync.ShutdownTimeout = r.ShutdownTimeout.String()
	e.Store.Path = r.DBPath
	e.Hub.Listen = r.Hub.Listen
	e.Hub.Tokens = len(r.Hub.Tokens)
	e.Logging = r.Logging

	return e
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	eff := newEffectiveConfig(cc.Cfg)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, eff)
	}

	if err := toml.NewEncoder(os.Stdout).Encode(eff); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}
