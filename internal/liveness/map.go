// Package liveness tracks the last-seen time for routers and router
// panels, written by the ingest loop at message-reception time and read
// by the watchdog sweep. Entries are never removed,
// only refreshed, so storage latency never creates an offline
// false-positive for a device that is still actively publishing.
package liveness

import (
	"sync"
	"time"
)

// PanelKey identifies one (router, panel) liveness entry.
type PanelKey struct {
	Router  string
	PanelID int
}

// Map is safe for concurrent touch (ingest loop) and snapshot (watchdog).
type Map struct {
	mu      sync.RWMutex
	routers map[string]time.Time
	panels  map[PanelKey]time.Time
}

func NewMap() *Map {
	return &Map{
		routers: make(map[string]time.Time),
		panels:  make(map[PanelKey]time.Time),
	}
}

// TouchRouter records router as seen at now.
func (m *Map) TouchRouter(router string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routers[router] = now
}

// TouchPanel records a (router, panel) pair as seen at now. It always
// also touches the router entry: a decoded message is also proof the
// router itself is alive.
func (m *Map) TouchPanel(router string, panelID int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routers[router] = now
	m.panels[PanelKey{Router: router, PanelID: panelID}] = now
}

// RouterSnapshot returns a point-in-time copy of every known router's
// last-seen time.
func (m *Map) RouterSnapshot() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.routers))
	for k, v := range m.routers {
		out[k] = v
	}
	return out
}

// PanelSnapshot returns a point-in-time copy of every known panel's
// last-seen time.
func (m *Map) PanelSnapshot() map[PanelKey]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[PanelKey]time.Time, len(m.panels))
	for k, v := range m.panels {
		out[k] = v
	}
	return out
}
