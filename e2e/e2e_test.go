//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cartsync/testutil"
)

const (
	hubToken      = "e2e-token"
	hubStartLimit = 10 * time.Second
	convergeLimit = 15 * time.Second
	pollInterval  = 100 * time.Millisecond
)

var binaryPath string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "cartsync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "cartsync")

	wd, _ := os.Getwd()

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = testutil.FindModuleRoot(wd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	// Keep the user's real config and data out of reach.
	os.Unsetenv("CARTSYNC_CONFIG")
	os.Unsetenv("CARTSYNC_GROUP")
	os.Unsetenv("CARTSYNC_HUB_URL")
	os.Setenv("HOME", tmpDir)
	os.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "config"))
	os.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, "data"))

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// hub is a `cartsync hub` subprocess.
type hub struct {
	addr string
	url  string
}

func startHub(t *testing.T) *hub {
	t.Helper()

	addr, err := testutil.FreeAddr()
	require.NoError(t, err)

	cfgPath := filepath.Join(t.TempDir(), "hub.toml")
	cfg := fmt.Sprintf("[hub]\nlisten = %q\ntokens = [%q]\n", addr, hubToken)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	startBackground(t, "--config", cfgPath, "--quiet", "hub")
	require.NoError(t, testutil.WaitForHealth(addr, hubStartLimit))

	return &hub{addr: addr, url: "ws://" + addr + "/v1/ws"}
}

// startBackground runs the binary until the test ends, then stops it with
// SIGTERM and waits for a clean exit.
func startBackground(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		_ = cmd.Process.Signal(syscall.SIGTERM)

		if err := cmd.Wait(); err != nil {
			t.Logf("%v exited with %v\nstderr: %s", args, err, stderr.String())
		}
	})

	return cmd
}

// device is one installation: its own config file and data directory.
type device struct {
	cfgPath string
	dataDir string
}

func newDevice(t *testing.T, h *hub, user string) *device {
	t.Helper()

	dir := t.TempDir()
	d := &device{
		cfgPath: filepath.Join(dir, "config.toml"),
		dataDir: filepath.Join(dir, "data"),
	}

	d.run(t, "join", "--group", "e2e-family", "--hub", h.url, "--user", user, "--token", hubToken)

	return d
}

func (d *device) args(args []string) []string {
	return append([]string{"--config", d.cfgPath, "--data-dir", d.dataDir}, args...)
}

// run executes a CLI command and fails the test on a non-zero exit.
func (d *device) run(t *testing.T, args ...string) string {
	t.Helper()

	stdout, stderr, err := d.try(args...)
	if err != nil {
		t.Fatalf("cartsync %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout
}

// try executes a CLI command and returns its outcome.
func (d *device) try(args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, d.args(args)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func (d *device) daemon(t *testing.T) {
	t.Helper()

	startBackground(t, d.args([]string{"run"})...)
}

// record mirrors the --json shape of `list ls` and `item ls`.
type record struct {
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
	SyncStatus string         `json:"sync_status"`
	Deleted    bool           `json:"deleted"`
}

func (d *device) lists(t *testing.T) []record {
	t.Helper()

	var out []record
	require.NoError(t, json.Unmarshal([]byte(d.run(t, "list", "ls", "--json")), &out))

	return out
}

func (d *device) items(t *testing.T, listID string) []record {
	t.Helper()

	var out []record
	require.NoError(t, json.Unmarshal([]byte(d.run(t, "item", "ls", shortID(listID), "--json")), &out))

	return out
}

type statusJSON struct {
	Online bool   `json:"online"`
	Daemon string `json:"daemon"`
	Queued int    `json:"queued"`
}

func (d *device) status(t *testing.T) statusJSON {
	t.Helper()

	var out statusJSON
	require.NoError(t, json.Unmarshal([]byte(d.run(t, "status", "--json")), &out))

	return out
}

// findByName returns the record whose name field equals name.
func findByName(recs []record, name string) (record, bool) {
	for _, r := range recs {
		if r.Fields["name"] == name {
			return r, true
		}
	}

	return record{}, false
}

// eventually polls cond until it holds or convergeLimit passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(convergeLimit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(pollInterval)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func shortID(id string) string {
	head, _, _ := strings.Cut(id, "-")
	return head
}
