package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetLatestStateRowsMany bulk-reads the current latest_state snapshot for
// a batch of register keys sharing one router, keyed by (equip_type,
// panel_id, addr). Keys with no prior row are simply absent from the
// result map.
func (t *Tx) GetLatestStateRowsMany(ctx context.Context, router string, keys []RegisterKey) (map[RegisterKey]LatestStateRow, error) {
	result := make(map[RegisterKey]LatestStateRow, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	equipTypes := make([]string, len(keys))
	panelIDs := make([]int, len(keys))
	addrs := make([]int, len(keys))
	for i, k := range keys {
		equipTypes[i] = k.EquipType
		panelIDs[i] = k.PanelID
		addrs[i] = k.Addr
	}

	rows, err := t.tx.Query(ctx, `
		SELECT equip_type, panel_id, addr, ts, value, raw_value, text_value, unit, reg_name, decode_reason
		FROM latest_state
		WHERE router = $1
		AND (equip_type, panel_id, addr) = ANY (
			SELECT * FROM unnest($2::text[], $3::int[], $4::int[])
		)`,
		router, equipTypes, panelIDs, addrs,
	)
	if err != nil {
		return nil, fmt.Errorf("query latest_state batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k RegisterKey
		var r LatestStateRow
		k.Router = router
		if err := rows.Scan(&k.EquipType, &k.PanelID, &k.Addr, &r.TS, &r.Value, &r.Raw, &r.Text, &r.Unit, &r.Name, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan latest_state row: %w", err)
		}
		r.Key = k
		result[k] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest_state rows: %w", err)
	}

	return result, nil
}

// GetRegisterCatalogRowsMany bulk-reads the read-only register catalog for
// a batch of (equip_type, addr) pairs.
func (t *Tx) GetRegisterCatalogRowsMany(ctx context.Context, equipType string, addrs []int) (map[int]CatalogRow, error) {
	result := make(map[int]CatalogRow, len(addrs))
	if len(addrs) == 0 {
		return result, nil
	}

	rows, err := t.tx.Query(ctx, `
		SELECT addr, tolerance, min_interval_sec, heartbeat_sec, store_history, value_kind
		FROM register_catalog
		WHERE equip_type = $1 AND addr = ANY ($2::int[])`,
		equipType, addrs,
	)
	if err != nil {
		return nil, fmt.Errorf("query register_catalog batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr int
		var r CatalogRow
		if err := rows.Scan(&addr, &r.Tolerance, &r.MinIntervalSec, &r.HeartbeatSec, &r.StoreHistory, &r.ValueKind); err != nil {
			return nil, fmt.Errorf("scan register_catalog row: %w", err)
		}
		result[addr] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate register_catalog rows: %w", err)
	}

	return result, nil
}

// UpsertLatestStateBatch writes the current-value snapshot for many
// register keys in one round trip using the pipelined batch protocol.
func (t *Tx) UpsertLatestStateBatch(ctx context.Context, rows []LatestStateRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO latest_state
				(router, equip_type, panel_id, addr, ts, value, raw_value, text_value, unit, reg_name, decode_reason, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
			ON CONFLICT (router, equip_type, panel_id, addr) DO UPDATE SET
				ts = EXCLUDED.ts,
				value = EXCLUDED.value,
				raw_value = EXCLUDED.raw_value,
				text_value = EXCLUDED.text_value,
				unit = EXCLUDED.unit,
				reg_name = EXCLUDED.reg_name,
				decode_reason = EXCLUDED.decode_reason,
				updated_at = now()`,
			r.Key.Router, r.Key.EquipType, r.Key.PanelID, r.Key.Addr,
			r.TS, r.Value, r.Raw, nullableString(r.Text), nullableString(r.Unit), nullableString(r.Name), nullableString(r.Reason),
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upsert latest_state: %w", err)
		}
	}

	return nil
}

// InsertHistoryBatch appends many history rows in one round trip.
func (t *Tx) InsertHistoryBatch(ctx context.Context, rows []HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO history
				(router, equip_type, panel_id, addr, ts, value, raw_value, text_value, unit, reg_name, decode_reason, write_reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
			r.Key.Router, r.Key.EquipType, r.Key.PanelID, r.Key.Addr,
			r.TS, r.Value, r.Raw, nullableString(r.Text), nullableString(r.Unit), nullableString(r.Name), nullableString(r.Reason), r.WriteReason,
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch insert history: %w", err)
		}
	}

	return nil
}
