package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/controlgate/telemetry-writer/internal/config"
	"github.com/controlgate/telemetry-writer/internal/geo"
	"github.com/controlgate/telemetry-writer/internal/gpsfilter"
	"github.com/controlgate/telemetry-writer/internal/history"
	"github.com/controlgate/telemetry-writer/internal/metrics"
	"github.com/controlgate/telemetry-writer/internal/storage"
)

// unknownRegisterMarker is the sentinel substring the decoder embeds in a
// register's reason field to flag an address the catalog doesn't know.
const unknownRegisterMarker = "Неизвестный регистр"

// LivenessTouch is the shape of a synchronous liveness update. Nothing in
// this package uses it: Engine.HandleBrokerMessage touches the
// liveness.Map directly, before enqueueing, so storage lag never makes a
// live device appear offline.
type LivenessTouch func(router string, panelID *int, now time.Time)

// dbTx is the subset of *storage.Tx one dispatch needs. Narrowed to an
// interface so tests can substitute a fake transaction without a live
// database, the same way internal/retention narrows *storage.Gateway.
type dbTx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	UpsertObject(ctx context.Context, router string) error
	UpsertEquipment(ctx context.Context, router, equipType string, panelID int) error
	InsertGPSRaw(ctx context.Context, row storage.GPSRawRow) error
	GetGPSLatest(ctx context.Context, router string) (*storage.GPSLatestRow, error)
	UpsertGPSLatest(ctx context.Context, row storage.GPSLatestRow) error
	InsertEvent(ctx context.Context, ev storage.EventRow) error
	GetLatestStateRowsMany(ctx context.Context, router string, keys []storage.RegisterKey) (map[storage.RegisterKey]storage.LatestStateRow, error)
	GetRegisterCatalogRowsMany(ctx context.Context, equipType string, addrs []int) (map[int]storage.CatalogRow, error)
	UpsertLatestStateBatch(ctx context.Context, rows []storage.LatestStateRow) error
	InsertHistoryBatch(ctx context.Context, rows []storage.HistoryRow) error
	InsertEventBatch(ctx context.Context, rows []storage.EventRow) error
}

// dbGateway is the subset of *storage.Gateway a Dispatcher needs: opening
// one dbTx per inbound message.
type dbGateway interface {
	Begin(ctx context.Context) (dbTx, error)
}

var _ dbTx = (*storage.Tx)(nil)

// gatewayAdapter satisfies dbGateway over a real *storage.Gateway, whose
// Begin returns the concrete *storage.Tx the pgx-backed implementation
// needs.
type gatewayAdapter struct {
	g *storage.Gateway
}

func (a gatewayAdapter) Begin(ctx context.Context) (dbTx, error) {
	return a.g.Begin(ctx)
}

var _ dbGateway = gatewayAdapter{}

// Dispatcher routes inbound messages by topic to the GPS or register
// handler and owns the process-local caches: the GPS filter registry and
// the last-history-write timestamp per register key.
type Dispatcher struct {
	log       *zap.Logger
	db        dbGateway
	gps       *gpsfilter.Registry
	deadbandM float64
	history   config.HistoryPolicyConfig
	events    config.EventsPolicyConfig

	mu            sync.Mutex
	lastHistoryTS map[storage.RegisterKey]time.Time
}

// New builds a Dispatcher. gpsCfg seeds every per-router filter created on
// demand.
func New(log *zap.Logger, db *storage.Gateway, gpsCfg config.GPSFilterConfig, historyCfg config.HistoryPolicyConfig, eventsCfg config.EventsPolicyConfig) *Dispatcher {
	return newWithGateway(log, gatewayAdapter{g: db}, gpsCfg, historyCfg, eventsCfg)
}

// newWithGateway builds a Dispatcher over an arbitrary dbGateway, letting
// tests substitute a fake in place of a real *storage.Gateway.
func newWithGateway(log *zap.Logger, db dbGateway, gpsCfg config.GPSFilterConfig, historyCfg config.HistoryPolicyConfig, eventsCfg config.EventsPolicyConfig) *Dispatcher {
	filterCfg := gpsfilter.Config{
		SatsMin:        gpsCfg.SatsMin,
		FixMin:         gpsCfg.FixMin,
		DeadbandM:      gpsCfg.DeadbandM,
		MaxJumpM:       gpsCfg.MaxJumpM,
		MaxSpeedKmh:    gpsCfg.MaxSpeedKmh,
		ConfirmPoints:  gpsCfg.ConfirmPoints,
		ConfirmRadiusM: gpsCfg.ConfirmRadiusM,
	}
	return &Dispatcher{
		log:           log,
		db:            db,
		gps:           gpsfilter.NewRegistry(filterCfg),
		deadbandM:     gpsCfg.DeadbandM,
		history:       historyCfg,
		events:        eventsCfg,
		lastHistoryTS: make(map[storage.RegisterKey]time.Time),
	}
}

// WarmStartGPS seeds a router's filter from its last stored filtered
// position, so a restart doesn't momentarily forget the device's
// location and re-accept a stale deadband window.
func (d *Dispatcher) WarmStartGPS(router string, p gpsfilter.Point) {
	d.gps.Get(router).WarmStart(p)
}

// HandleTelemetry is the GPS handler for telemetry topic messages.
func (d *Dispatcher) HandleTelemetry(ctx context.Context, router string, payload []byte) error {
	p, err := parseTelemetryPayload(payload)
	if err != nil {
		d.log.Warn("malformed telemetry payload", zap.String("router", router), zap.Error(err))
		return nil
	}
	if p.GPS == nil || p.GPS.Latitude == nil || p.GPS.Longitude == nil {
		d.log.Warn("telemetry payload missing GPS coordinates", zap.String("router", router))
		return nil
	}

	now := time.Now().UTC()
	point := gpsfilter.Point{
		Lat:        *p.GPS.Latitude,
		Lon:        *p.GPS.Longitude,
		Satellites: p.GPS.Satellites,
		FixStatus:  p.GPS.FixStatus,
		ReceivedAt: now,
	}
	gt := gpsTime(*p.GPS, now)
	point.GPSTime = gt

	verdict := d.gps.Get(router).Check(point)
	metrics.GPSDecisionTotal.WithLabelValues(gpsVerdictLabel(verdict), verdict.Reason).Inc()

	timer := metrics.NewDBTimer()
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.UpsertObject(ctx, router); err != nil {
		return err
	}

	if err := tx.InsertGPSRaw(ctx, storage.GPSRawRow{
		Router:       router,
		GPSTime:      gt,
		Lat:          point.Lat,
		Lon:          point.Lon,
		Satellites:   point.Satellites,
		FixStatus:    point.FixStatus,
		Accepted:     verdict.Accepted,
		RejectReason: verdict.Reason,
	}); err != nil {
		return err
	}

	if verdict.Accepted {
		prev, err := tx.GetGPSLatest(ctx, router)
		if err != nil {
			return err
		}
		dist := -1.0
		if prev != nil {
			dist = geo.HaversineMeters(prev.Lat, prev.Lon, point.Lat, point.Lon)
		}
		if prev == nil || dist >= d.deadbandM {
			if err := tx.UpsertGPSLatest(ctx, storage.GPSLatestRow{
				Router:     router,
				GPSTime:    gt,
				Lat:        point.Lat,
				Lon:        point.Lon,
				Satellites: point.Satellites,
				FixStatus:  point.FixStatus,
			}); err != nil {
				return err
			}
		}
	} else if d.events.EnableGPSRejectEvents {
		payload, _ := json.Marshal(map[string]any{
			"lat":           point.Lat,
			"lon":           point.Lon,
			"reject_reason": verdict.Reason,
			"satellites":    point.Satellites,
		})
		if err := tx.InsertEvent(ctx, storage.EventRow{
			Router:      router,
			EventType:   "gps_jump_rejected",
			Description: fmt.Sprintf("GPS point rejected: %s", verdict.Reason),
			Payload:     payload,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	timer.ObserveDuration("gps")
	return nil
}

func gpsVerdictLabel(v gpsfilter.Verdict) string {
	if v.Accepted {
		return "accepted"
	}
	return "rejected"
}

// HandleDecoded is the decoded-register handler for pcc topic messages.
func (d *Dispatcher) HandleDecoded(ctx context.Context, router string, panelID int, payload []byte) error {
	p, err := parseDecodedPayload(payload)
	if err != nil {
		d.log.Warn("malformed decoded payload", zap.String("router", router), zap.Error(err))
		return nil
	}
	if len(p.Registers) == 0 {
		d.log.Warn("decoded payload has no registers", zap.String("router", router))
		return nil
	}

	now := time.Now().UTC()
	ts, ok := decodedTime(p.Timestamp)
	var tsPtr *time.Time
	if ok {
		tsPtr = &ts
	} else if p.Timestamp != nil {
		d.log.Debug("decoded payload timestamp unparseable", zap.String("router", router), zap.Stringp("timestamp", p.Timestamp))
	}

	equipType := "pcc"
	keys := make([]storage.RegisterKey, 0, len(p.Registers))
	for _, r := range p.Registers {
		keys = append(keys, storage.RegisterKey{Router: router, EquipType: equipType, PanelID: panelID, Addr: r.Addr})
	}

	timer := metrics.NewDBTimer()
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.UpsertObject(ctx, router); err != nil {
		return err
	}
	if err := tx.UpsertEquipment(ctx, router, equipType, panelID); err != nil {
		return err
	}

	prevRows, err := tx.GetLatestStateRowsMany(ctx, router, keys)
	if err != nil {
		return err
	}

	addrs := make([]int, len(p.Registers))
	for i, r := range p.Registers {
		addrs[i] = r.Addr
	}
	catalog, err := tx.GetRegisterCatalogRowsMany(ctx, equipType, addrs)
	if err != nil {
		return err
	}

	latestBatch := make(map[storage.RegisterKey]storage.LatestStateRow, len(p.Registers))
	var historyBatch []storage.HistoryRow
	var eventBatch []storage.EventRow

	for _, r := range p.Registers {
		key := storage.RegisterKey{Router: router, EquipType: equipType, PanelID: panelID, Addr: r.Addr}
		value, text := coerceValue(r.Value)
		if r.Text != nil {
			text = *r.Text
		}

		reason := ""
		if r.Reason != nil {
			reason = *r.Reason
		}

		cur := history.Sample{Value: value, Raw: r.Raw, Text: text, Reason: reason}

		catEntry, hasCatalog := catalog[r.Addr]
		var catalogEntry *history.CatalogEntry
		if hasCatalog {
			var storeHistory *bool
			if catEntry.StoreHistory != nil {
				storeHistory = catEntry.StoreHistory
			}
			var valueKind history.ValueKind
			if catEntry.ValueKind != nil {
				valueKind = history.ValueKind(*catEntry.ValueKind)
			}
			catalogEntry = &history.CatalogEntry{
				Tolerance:      catEntry.Tolerance,
				MinIntervalSec: catEntry.MinIntervalSec,
				HeartbeatSec:   catEntry.HeartbeatSec,
				StoreHistory:   storeHistory,
				ValueKind:      valueKind,
			}
		}

		params := history.Resolve(d.defaults(), catalogEntry, d.kpiEntry(r.Addr))

		var prevSample *history.Sample
		if prevRow, ok := prevRows[key]; ok {
			prevSample = &history.Sample{Value: prevRow.Value, Raw: prevRow.Raw, Text: prevRow.Text, Reason: prevRow.Reason}
		}

		lastTS := d.getLastHistoryTS(key)
		decision := history.Decide(params, prevSample, cur, now, lastTS)
		metrics.HistoryWriteTotal.WithLabelValues(decisionLabel(decision)).Inc()

		var name string
		if r.Name != nil {
			name = *r.Name
		}
		var unit string
		if r.Unit != nil {
			unit = *r.Unit
		}

		latestBatch[key] = storage.LatestStateRow{
			Key: key, TS: tsPtr, Value: value, Raw: r.Raw, Text: text, Unit: unit, Name: name, Reason: reason,
		}

		if d.events.EnableUnknownRegisterEvents && strings.Contains(reason, unknownRegisterMarker) {
			payload, _ := json.Marshal(map[string]any{"addr": r.Addr, "reason": reason})
			eventBatch = append(eventBatch, storage.EventRow{
				Router:      router,
				EquipType:   &equipType,
				PanelID:     &panelID,
				EventType:   "unknown_register",
				Description: fmt.Sprintf("unrecognized register addr=%d", r.Addr),
				Payload:     payload,
			})
		}

		if decision.Write {
			historyBatch = append(historyBatch, storage.HistoryRow{
				Key: key, TS: tsPtr, Value: value, Raw: r.Raw, Text: text, Unit: unit, Name: name, Reason: reason,
				WriteReason: decision.Reason,
			})
			d.setLastHistoryTS(key, now)
		}
	}

	latestRows := make([]storage.LatestStateRow, 0, len(latestBatch))
	for _, row := range latestBatch {
		latestRows = append(latestRows, row)
	}

	if err := tx.UpsertLatestStateBatch(ctx, latestRows); err != nil {
		return err
	}
	if err := tx.InsertHistoryBatch(ctx, historyBatch); err != nil {
		return err
	}
	if err := tx.InsertEventBatch(ctx, eventBatch); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	timer.ObserveDuration("decoded")
	return nil
}

func decisionLabel(d history.Decision) string {
	if !d.Write {
		return "none"
	}
	return d.Reason
}

func (d *Dispatcher) defaults() history.Defaults {
	def := d.history.Defaults
	return history.Defaults{
		ToleranceAnalog: decimalFromFloat(def.ToleranceAnalog),
		MinIntervalSec:  def.MinIntervalSec,
		HeartbeatSec:    def.HeartbeatSec,
		StoreHistory:    def.StoreHistory,
		ValueKind:       history.ValueKind(def.ValueKind),
	}
}

func (d *Dispatcher) kpiEntry(addr int) *history.KPIEntry {
	for _, k := range d.history.KPIRegisters {
		if k.Addr != addr {
			continue
		}
		entry := &history.KPIEntry{HeartbeatSec: k.HeartbeatSec}
		if k.Tolerance != nil {
			t := decimalFromFloat(*k.Tolerance)
			entry.Tolerance = &t
		}
		return entry
	}
	return nil
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func (d *Dispatcher) getLastHistoryTS(key storage.RegisterKey) *time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.lastHistoryTS[key]; ok {
		return &ts
	}
	return nil
}

func (d *Dispatcher) setLastHistoryTS(key storage.RegisterKey, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHistoryTS[key] = ts
}
