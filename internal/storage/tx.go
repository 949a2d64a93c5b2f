package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Tx scopes every store operation needed to process a single inbound
// message to one database transaction, matching the invariant that
// latest_state is upserted before its corresponding history row within
// the same transaction.
type Tx struct {
	tx pgx.Tx
}

// Begin starts a transaction. Callers must Commit or Rollback it.
func (g *Gateway) Begin(ctx context.Context) (*Tx, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// UpsertObject records first/updated contact with a router.
func (t *Tx) UpsertObject(ctx context.Context, router string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO objects (router, created_at, updated_at)
		VALUES ($1, now(), now())
		ON CONFLICT (router) DO UPDATE SET updated_at = now()`,
		router,
	)
	if err != nil {
		return fmt.Errorf("upsert object: %w", err)
	}
	return nil
}

// UpsertEquipment records first/last-seen contact with a panel attached
// to a router.
func (t *Tx) UpsertEquipment(ctx context.Context, router, equipType string, panelID int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO equipment (router, equip_type, panel_id, created_at, last_seen_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (router, equip_type, panel_id) DO UPDATE SET last_seen_at = now()`,
		router, equipType, panelID,
	)
	if err != nil {
		return fmt.Errorf("upsert equipment: %w", err)
	}
	return nil
}

// InsertGPSRaw appends one row to the GPS raw history log. Every received
// GPS point, accepted or rejected, produces exactly one row.
func (t *Tx) InsertGPSRaw(ctx context.Context, row GPSRawRow) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO gps_raw_history
			(router, gps_time, lat, lon, satellites, fix_status, accepted, reject_reason, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		row.Router, row.GPSTime, row.Lat, row.Lon, row.Satellites, row.FixStatus, row.Accepted, nullableString(row.RejectReason),
	)
	if err != nil {
		return fmt.Errorf("insert gps raw: %w", err)
	}
	return nil
}

// GetGPSLatest reads the current filtered position for a router, or nil
// if none is on record.
func (t *Tx) GetGPSLatest(ctx context.Context, router string) (*GPSLatestRow, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT gps_time, lat, lon, satellites, fix_status
		FROM gps_latest_filtered WHERE router = $1`,
		router,
	)
	var r GPSLatestRow
	r.Router = router
	if err := row.Scan(&r.GPSTime, &r.Lat, &r.Lon, &r.Satellites, &r.FixStatus); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get gps latest: %w", err)
	}
	return &r, nil
}

// UpsertGPSLatest overwrites the filtered-latest position for a router.
func (t *Tx) UpsertGPSLatest(ctx context.Context, row GPSLatestRow) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO gps_latest_filtered (router, gps_time, lat, lon, satellites, fix_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (router) DO UPDATE SET
			gps_time = EXCLUDED.gps_time,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			satellites = EXCLUDED.satellites,
			fix_status = EXCLUDED.fix_status,
			updated_at = now()`,
		row.Router, row.GPSTime, row.Lat, row.Lon, row.Satellites, row.FixStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert gps latest: %w", err)
	}
	return nil
}

// InsertEvent appends a single event row.
func (t *Tx) InsertEvent(ctx context.Context, ev EventRow) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO events (router, equip_type, panel_id, event_type, description, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		ev.Router, ev.EquipType, ev.PanelID, ev.EventType, ev.Description, ev.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
