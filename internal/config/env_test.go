package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvGroup, "family")
	t.Setenv(EnvHubURL, "ws://hub:8787/v1/sync")

	overrides := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "family", overrides.Group)
	assert.Equal(t, "ws://hub:8787/v1/sync", overrides.HubURL)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvGroup, "")
	t.Setenv(EnvHubURL, "")

	assert.Equal(t, EnvOverrides{}, ReadEnvOverrides())
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "CARTSYNC_CONFIG", EnvConfig)
	assert.Equal(t, "CARTSYNC_GROUP", EnvGroup)
	assert.Equal(t, "CARTSYNC_HUB_URL", EnvHubURL)
}
