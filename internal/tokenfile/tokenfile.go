// Package tokenfile stores a device's hub credentials: the bearer token it
// presents when dialing the hub plus the identity it joined with. Written by
// `cartsync join`, read by every command that talks to the hub.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// ErrNotJoined means no credentials file exists yet.
var ErrNotJoined = errors.New("tokenfile: device has not joined a group (run `cartsync join`)")

// Credentials is the on-disk format.
type Credentials struct {
	Token    *oauth2.Token `json:"token"`
	DeviceID string        `json:"device_id"`
	User     string        `json:"user,omitempty"`
	Group    string        `json:"group"`
	HubURL   string        `json:"hub_url"`
	JoinedAt time.Time     `json:"joined_at"`
}

// TokenSource returns a source that always yields the stored token. Hub
// tokens are static; there is nothing to refresh.
func (c *Credentials) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(c.Token)
}

// Load reads a credentials file. Returns ErrNotJoined if it does not exist.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotJoined
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if c.Token == nil || c.Token.AccessToken == "" {
		return nil, fmt.Errorf("tokenfile: %s missing token (re-join required)", path)
	}

	if c.DeviceID == "" {
		return nil, fmt.Errorf("tokenfile: %s missing device_id (re-join required)", path)
	}

	return &c, nil
}

// Save writes credentials atomically (temp file + rename) with 0600
// permissions. Never logs token values.
func Save(path string, c *Credentials) error {
	if c == nil || c.Token == nil {
		return errors.New("tokenfile: nothing to save")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory keeps rename(2) on one filesystem.
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the credentials file. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
