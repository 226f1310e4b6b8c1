package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cartsync/internal/config"
	"github.com/tonimelisma/cartsync/internal/remotepath"
	"github.com/tonimelisma/cartsync/internal/tokenfile"
)

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join this device to a shared group",
		Long: `Record the group, hub and user this device syncs as. The hub token is
stored in the data directory with owner-only permissions; group, hub and
user are also written to the config file.

Examples:
  cartsync join --group family --hub ws://10.0.0.5:8787/v1/ws --user alice --token s3cret`,
		RunE: runJoin,
	}

	cmd.Flags().String("token", "", "hub bearer token")

	return cmd
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg

	if cfg.Group == "" {
		return errors.New("--group is required")
	}

	if cfg.HubURL == "" {
		return errors.New("--hub is required")
	}

	group, err := remotepath.NewGroupID(cfg.Group)
	if err != nil {
		return fmt.Errorf("invalid group: %w", err)
	}

	token, _ := cmd.Flags().GetString("token")

	credPath := config.CredentialsPath(cfg.DataDir)

	// Keep the device id stable across re-joins.
	deviceID := uuid.NewString()
	if prev, loadErr := tokenfile.Load(credPath); loadErr == nil {
		deviceID = prev.DeviceID
	}

	creds := &tokenfile.Credentials{
		Token:    &oauth2.Token{AccessToken: token, TokenType: "Bearer"},
		DeviceID: deviceID,
		User:     cfg.User,
		Group:    group.String(),
		HubURL:   cfg.HubURL,
		JoinedAt: time.Now().UTC(),
	}

	if token == "" {
		// Hubs without tokens accept any bearer value.
		creds.Token.AccessToken = "anonymous"
	}

	if err := tokenfile.Save(credPath, creds); err != nil {
		return err
	}

	if err := config.EnsureConfig(cfg.ConfigPath); err != nil {
		return err
	}

	settings := []struct{ section, key, value string }{
		{"remote", "group", group.String()},
		{"remote", "hub_url", cfg.HubURL},
		{"device", "user", cfg.User},
		{"device", "data_dir", cfg.DataDir},
	}

	for _, s := range settings {
		if s.value == "" {
			continue
		}

		if err := config.SetKey(cfg.ConfigPath, s.section, s.key, s.value); err != nil {
			return err
		}
	}

	cc.Logger.Info("device joined",
		"group", group.String(),
		"device_id", deviceID,
	)

	cc.Statusf("Joined group %q via %s as device %s\n", group.String(), cfg.HubURL, shortID(deviceID))

	return nil
}
