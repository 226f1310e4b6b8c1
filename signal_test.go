package main

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const signalWait = 2 * time.Second

// waitDone fails the test unless ch is closed or receives within signalWait.
func waitDone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(signalWait):
		t.Fatalf("%s: nothing within %s", what, signalWait)
	}
}

func TestShutdownContext_FirstSignalCancels(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx := shutdownContext(parent, discardLogger())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	waitDone(t, ctx.Done(), "SIGINT")
}

func TestShutdownContext_ParentCancelPropagates(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	ctx := shutdownContext(parent, discardLogger())

	cancel()
	waitDone(t, ctx.Done(), "parent cancel")
}

func TestDrainRequests_SIGHUPDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reqs := drainRequests(ctx)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	waitDone(t, reqs, "SIGHUP")
}

func TestDrainRequests_BurstDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reqs := drainRequests(ctx)

	for range 3 {
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	}

	waitDone(t, reqs, "SIGHUP burst")
}
