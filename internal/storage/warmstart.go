package storage

import (
	"context"
	"fmt"
)

// ListGPSLatest reads every row of gps_latest_filtered, used once at boot
// to warm-start the GPS filter registry so a restart doesn't forget each
// router's last-accepted position.
func (g *Gateway) ListGPSLatest(ctx context.Context) ([]GPSLatestRow, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT router, gps_time, lat, lon, satellites, fix_status
		FROM gps_latest_filtered`)
	if err != nil {
		return nil, fmt.Errorf("listing gps_latest_filtered: %w", err)
	}
	defer rows.Close()

	var result []GPSLatestRow
	for rows.Next() {
		var r GPSLatestRow
		if err := rows.Scan(&r.Router, &r.GPSTime, &r.Lat, &r.Lon, &r.Satellites, &r.FixStatus); err != nil {
			return nil, fmt.Errorf("scan gps_latest_filtered row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gps_latest_filtered rows: %w", err)
	}
	return result, nil
}
