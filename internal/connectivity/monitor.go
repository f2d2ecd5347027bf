// Package connectivity tracks whether the device can reach the backend.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/notify"
	"go.uber.org/zap"
)

// Transition is published whenever connectivity is reported.
type Transition struct {
	Online  bool
	Changed bool
	At      time.Time
}

// MonitorConfig describes the monitor dependencies.
type MonitorConfig struct {
	InitiallyOnline bool
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Monitor holds the current online flag and fans out transitions.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	clock  func() time.Time
	logger *zap.Logger
	hub    *notify.Hub[Transition]
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online: cfg.InitiallyOnline,
		clock:  clock,
		logger: logger,
		hub:    notify.NewHub[Transition](),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records online and publishes a transition only when the state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
		m.hub.Publish(Transition{Online: online, Changed: true, At: m.clock().UTC()})
	}
	return changed
}

// Report records online and always publishes, so repeated online reports can retrigger a sync.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	m.hub.Publish(Transition{Online: online, Changed: changed, At: m.clock().UTC()})
}

// Subscribe streams transitions until ctx ends or the returned cleanup runs.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	return m.hub.Subscribe(ctx)
}

// Close ends every subscription.
func (m *Monitor) Close() {
	m.hub.Close()
}
