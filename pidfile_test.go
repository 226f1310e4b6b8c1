package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFile_LifeCycle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "cartsync.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// The flock is held, so a second daemon is refused.
	again, err := writePIDFile(path)
	require.Error(t, err)
	assert.Nil(t, again)
	assert.Contains(t, err.Error(), "already running")

	cleanup()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFile_EmptyPath(t *testing.T) {
	t.Parallel()

	cleanup, err := writePIDFile("")
	require.Error(t, err)
	assert.Nil(t, cleanup)
	assert.Contains(t, err.Error(), "empty")
}

func TestReadPIDFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr string
	}{
		{name: "valid", content: "12345\n", want: 12345},
		{name: "padded", content: "  42  \n", want: 42},
		{name: "garbage", content: "not-a-pid\n", wantErr: "invalid PID"},
		{name: "missing", wantErr: "reading PID file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(dir, tt.name+".pid")
			if tt.content != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			}

			pid, err := readPIDFile(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestSignalDaemon_NoPIDFile(t *testing.T) {
	t.Parallel()

	_, err := signalDaemon(filepath.Join(t.TempDir(), "nonexistent.pid"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoDaemon)
}

func TestSignalDaemon_StalePIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cartsync.pid")
	// PID 999999999 is almost certainly not a running process.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	_, err := signalDaemon(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoDaemon)
	assert.Contains(t, err.Error(), "stale PID file removed")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSignalDaemon_SendsToCurrentProcess(t *testing.T) {
	t.Parallel()

	// Trap SIGHUP so it doesn't kill the test process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "cartsync.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	pid, err := signalDaemon(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	sig := <-sigCh
	assert.Equal(t, syscall.SIGHUP, sig)
}

func TestDaemonAlive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	assert.False(t, daemonAlive(filepath.Join(dir, "missing.pid")))

	stale := filepath.Join(dir, "stale.pid")
	require.NoError(t, os.WriteFile(stale, []byte("999999999\n"), 0o644))
	assert.False(t, daemonAlive(stale))

	self := filepath.Join(dir, "self.pid")
	require.NoError(t, os.WriteFile(self, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	assert.True(t, daemonAlive(self))
}
