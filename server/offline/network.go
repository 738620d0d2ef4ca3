package offline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// NetworkMonitor tracks connectivity reported by clients and health checks.
//
// Going offline takes effect immediately so that an in-progress flush stops
// between items. Coming back online is coalesced: the monitor only switches to
// online once the signal has held for the coalesce window, so a flapping
// network produces at most one online transition (and one flush) per window.
type NetworkMonitor struct {
	mu          sync.Mutex
	clock       clock.Clock
	window      time.Duration
	online      bool
	lastOnline  time.Time
	lastOffline time.Time
	timer       *clock.Timer
	gen         uint64
	listeners   map[int]func(online bool)
	nextID      int
}

// NewNetworkMonitor creates a monitor in the given initial state.
func NewNetworkMonitor(online bool, window time.Duration, c clock.Clock) *NetworkMonitor {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	if c == nil {
		c = clock.New()
	}
	m := &NetworkMonitor{
		clock:     c,
		window:    window,
		online:    online,
		listeners: make(map[int]func(bool)),
	}
	if online {
		m.lastOnline = c.Now()
	}
	return m
}

// Report feeds a raw connectivity signal into the monitor.
func (m *NetworkMonitor) Report(online bool) {
	m.mu.Lock()

	if !online {
		m.stopTimerLocked()
		if !m.online {
			m.mu.Unlock()
			return
		}
		m.online = false
		m.lastOffline = m.clock.Now()
		listeners := m.listenersLocked()
		m.mu.Unlock()

		for _, l := range listeners {
			l(false)
		}
		return
	}

	if m.online || m.timer != nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.window, func() { m.settleOnline(gen) })
	m.mu.Unlock()
}

func (m *NetworkMonitor) settleOnline(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.online {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.online = true
	m.lastOnline = m.clock.Now()
	listeners := m.listenersLocked()
	m.mu.Unlock()

	for _, l := range listeners {
		l(true)
	}
}

// IsOnline reports the settled connectivity state.
func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// LastOnline returns when the monitor last transitioned to online.
func (m *NetworkMonitor) LastOnline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOnline
}

// LastOffline returns when the monitor last transitioned to offline.
func (m *NetworkMonitor) LastOffline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOffline
}

// Subscribe registers fn for transitions and returns a function that removes it.
func (m *NetworkMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Stop cancels a pending online transition.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *NetworkMonitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func (m *NetworkMonitor) listenersLocked() []func(bool) {
	out := make([]func(bool), 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}
