// Package connectivity tracks whether the device believes it can reach the
// server. The belief is advisory: writes are always attempted, and a failed
// request is the real signal.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor holds the current online belief and notifies subscribers when it
// flips.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID uint64
	subs   []subscriber
	logger *slog.Logger
}

type subscriber struct {
	id uint64
	fn func(online bool)
}

// NewMonitor creates a monitor with an initial belief.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{online: online, logger: logger}
}

// IsOnline returns the current belief.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a platform connectivity signal. Subscribers run synchronously,
// in registration order, only when the value changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := m.subs
	m.mu.Unlock()

	m.logger.Debug("connectivity: changed", "online", online)
	for _, s := range subs {
		s.fn(online)
	}
}

// Subscribe registers fn for transitions and returns its unsubscribe handle.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}
