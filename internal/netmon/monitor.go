// Package netmon tracks network reachability and notifies listeners when
// the device comes back online.
package netmon

import (
	"context"
	"log/slog"
	"sync"
)

// Monitor holds the current reachability state. Updates arrive through Set
// or from a source channel consumed by Run; repeated values are ignored, so
// callbacks fire once per offline→online transition.
type Monitor struct {
	logger *slog.Logger

	mu          sync.Mutex
	online      bool
	transitions int
	callbacks   []func()
}

// New creates a monitor in the given initial state.
func New(initial bool, logger *slog.Logger) *Monitor {
	return &Monitor{online: initial, logger: logger}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Transitions returns how many state changes have been observed.
func (m *Monitor) Transitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitions
}

// OnReconnect registers fn to run on every offline→online transition.
// Callbacks run on the goroutine that reported the transition and must not
// block.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Set records a reachability observation.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}

	m.online = online
	m.transitions++
	callbacks := append([]func(){}, m.callbacks...)
	m.mu.Unlock()

	m.logger.Info("network state changed", slog.Bool("online", online))

	if !online {
		return
	}

	for _, fn := range callbacks {
		fn()
	}
}

// Run consumes src until it is closed or ctx is canceled.
func (m *Monitor) Run(ctx context.Context, src <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-src:
			if !ok {
				return
			}

			m.Set(online)
		}
	}
}
