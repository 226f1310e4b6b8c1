// Package testutil provides process-level helpers for the E2E suite. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// healthPollInterval is how often WaitForHealth re-checks the hub.
const healthPollInterval = 50 * time.Millisecond

// FindModuleRoot walks up from dir until it finds go.mod. Returns dir's
// parent as a fallback (e2e/ is one level below the module root).
func FindModuleRoot(dir string) string {
	start := dir

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Dir(start)
		}

		dir = parent
	}
}

// FreeAddr returns a loopback address nothing is listening on. The port
// is released before returning, so a racing process could claim it; the
// suite tolerates that as a flaky start.
func FreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserving port: %w", err)
	}

	addr := ln.Addr().String()

	if err := ln.Close(); err != nil {
		return "", fmt.Errorf("releasing port: %w", err)
	}

	return addr, nil
}

// WaitForHealth polls http://addr/healthz until it answers 200 or the
// timeout passes.
func WaitForHealth(addr string, timeout time.Duration) error {
	url := "http://" + addr + "/healthz"
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)

	var lastErr error

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				return nil
			}

			lastErr = fmt.Errorf("health check returned %s", resp.Status)
		} else {
			lastErr = err
		}

		time.Sleep(healthPollInterval)
	}

	return fmt.Errorf("hub at %s not healthy after %s: %w", addr, timeout, lastErr)
}
