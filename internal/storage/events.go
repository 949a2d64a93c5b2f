package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertEventBatch appends many event rows in one round trip. Used by the
// decoded-register dispatch and by the watchdog sweep, which may emit
// several online/offline transition events in a single pass.
func (t *Tx) InsertEventBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range rows {
		batch.Queue(`
			INSERT INTO events (router, equip_type, panel_id, event_type, description, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			ev.Router, ev.EquipType, ev.PanelID, ev.EventType, ev.Description, ev.Payload,
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch insert events: %w", err)
		}
	}

	return nil
}

// WriteEvents commits rows in their own transaction. Used by callers
// outside the per-message dispatch path, such as the watchdog sweep,
// which has no other transactional work to share.
func (g *Gateway) WriteEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := g.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertEventBatch(ctx, rows); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
