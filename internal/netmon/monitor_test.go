package netmon

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitor_ReconnectFiresOncePerTransition(t *testing.T) {
	t.Parallel()

	m := New(false, discardLogger())

	var fired atomic.Int32
	m.OnReconnect(func() { fired.Add(1) })

	m.Set(true)
	m.Set(true)
	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, m.Online())

	m.Set(false)
	assert.Equal(t, int32(1), fired.Load(), "going offline does not fire")
	assert.False(t, m.Online())

	m.Set(true)
	assert.Equal(t, int32(2), fired.Load())
	assert.Equal(t, 3, m.Transitions())
}

func TestMonitor_RunConsumesSource(t *testing.T) {
	t.Parallel()

	m := New(true, discardLogger())

	var fired atomic.Int32
	m.OnReconnect(func() { fired.Add(1) })

	src := make(chan bool, 4)
	src <- false
	src <- false
	src <- true
	close(src)

	m.Run(context.Background(), src)

	assert.True(t, m.Online())
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 2, m.Transitions())
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	m := New(false, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})

	go func() {
		m.Run(ctx, make(chan bool))
		close(done)
	}()

	<-done
	assert.False(t, m.Online())
}
