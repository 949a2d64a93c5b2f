// Package watchdog implements the periodic liveness sweep: classifying
// every router and router panel as online, stale, or offline from its
// last-seen time and emitting transition events.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/controlgate/telemetry-writer/internal/config"
	"github.com/controlgate/telemetry-writer/internal/liveness"
	"github.com/controlgate/telemetry-writer/internal/metrics"
	"github.com/controlgate/telemetry-writer/internal/storage"
)

type state string

const (
	stateOnline  state = "online"
	stateStale   state = "stale"
	stateOffline state = "offline"
)

const equipTypePCC = "pcc"

// Watchdog periodically classifies every liveness entry and emits an
// event on state transitions. Per-entity previous state starts "online"
// so a device that never sends anything before its first offline
// threshold still produces exactly one offline event rather than being
// silently skipped.
type Watchdog struct {
	cfg config.EventsPolicyConfig
	log *zap.Logger
	db  *storage.Gateway
	live *liveness.Map

	routerState map[string]state
	panelState  map[liveness.PanelKey]state
}

func New(cfg config.EventsPolicyConfig, log *zap.Logger, db *storage.Gateway, live *liveness.Map) *Watchdog {
	return &Watchdog{
		cfg:         cfg,
		log:         log,
		db:          db,
		live:        live,
		routerState: make(map[string]state),
		panelState:  make(map[liveness.PanelKey]state),
	}
}

// Run ticks every check_interval_sec until ctx is cancelled. A sweep
// failure is logged and the loop continues at the next tick.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.CheckIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.log.Error("watchdog sweep failed", zap.Error(err))
			}
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) error {
	now := time.Now().UTC()
	var events []storage.EventRow

	for router, lastSeen := range w.live.RouterSnapshot() {
		age := now.Sub(lastSeen)
		next := classify(age, time.Duration(w.cfg.RouterStaleSec)*time.Second, time.Duration(w.cfg.RouterOfflineSec)*time.Second)
		prev, ok := w.routerState[router]
		if !ok {
			prev = stateOnline
		}
		if ev, transitioned := w.transition("router", router, prev, next); transitioned {
			events = append(events, ev)
		}
		w.routerState[router] = next
	}

	for key, lastSeen := range w.live.PanelSnapshot() {
		age := now.Sub(lastSeen)
		next := classify(age, time.Duration(w.cfg.PanelStaleSec)*time.Second, time.Duration(w.cfg.PanelOfflineSec)*time.Second)
		prev, ok := w.panelState[key]
		if !ok {
			prev = stateOnline
		}
		if ev, transitioned := w.panelTransition(key, prev, next); transitioned {
			events = append(events, ev)
		}
		w.panelState[key] = next
	}

	if len(events) == 0 {
		return nil
	}

	for _, ev := range events {
		metrics.WatchdogTransitionsTotal.WithLabelValues(entityLabel(ev), ev.EventType).Inc()
	}

	if err := w.db.WriteEvents(ctx, events); err != nil {
		return fmt.Errorf("writing watchdog events: %w", err)
	}
	return nil
}

// classify gives offline priority over stale when age exceeds both
// thresholds.
func classify(age, staleAfter, offlineAfter time.Duration) state {
	switch {
	case age >= offlineAfter:
		return stateOffline
	case age >= staleAfter:
		return stateStale
	default:
		return stateOnline
	}
}

// transition emits "<entity>_offline" on any -> offline, "<entity>_online"
// on offline or stale -> online, and nothing on any -> stale.
func (w *Watchdog) transition(entity, router string, prev, next state) (storage.EventRow, bool) {
	eventType, ok := transitionEvent(entity, prev, next)
	if !ok {
		return storage.EventRow{}, false
	}
	payload, _ := json.Marshal(map[string]any{"prev": prev, "next": next})
	return storage.EventRow{
		Router:      router,
		EventType:   eventType,
		Description: fmt.Sprintf("%s → %s", prev, next),
		Payload:     payload,
	}, true
}

func (w *Watchdog) panelTransition(key liveness.PanelKey, prev, next state) (storage.EventRow, bool) {
	eventType, ok := transitionEvent("panel", prev, next)
	if !ok {
		return storage.EventRow{}, false
	}
	payload, _ := json.Marshal(map[string]any{"prev": prev, "next": next})
	equipType := equipTypePCC
	panelID := key.PanelID
	return storage.EventRow{
		Router:      key.Router,
		EquipType:   &equipType,
		PanelID:     &panelID,
		EventType:   eventType,
		Description: fmt.Sprintf("%s → %s", prev, next),
		Payload:     payload,
	}, true
}

func transitionEvent(entity string, prev, next state) (string, bool) {
	if next == stateOffline && prev != stateOffline {
		return entity + "_offline", true
	}
	if next == stateOnline && (prev == stateOffline || prev == stateStale) {
		return entity + "_online", true
	}
	return "", false
}

func entityLabel(ev storage.EventRow) string {
	if ev.EquipType != nil {
		return "panel"
	}
	return "router"
}
