package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/controlgate/telemetry-writer/internal/metrics"
)

// sweepTable deletes rows older than cutoff from table in bounded batches,
// looping until a round affects fewer rows than batchSize, so a single
// sweep never holds a lock across an unbounded delete.
func (g *Gateway) sweepTable(ctx context.Context, table, tsColumn string, cutoff time.Time, batchSize int) (int64, error) {
	var total int64

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id IN (
			SELECT id FROM %s WHERE %s < $1 ORDER BY id LIMIT $2
		)`, table, table, tsColumn)

	for {
		tag, err := g.pool.Exec(ctx, query, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}

		affected := tag.RowsAffected()
		total += affected
		metrics.RetentionDeletedTotal.WithLabelValues(table).Add(float64(affected))

		if affected < int64(batchSize) {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

// CleanupGPSRawHistory deletes gps_raw_history rows older than maxAge.
func (g *Gateway) CleanupGPSRawHistory(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return g.sweepTable(ctx, "gps_raw_history", "received_at", time.Now().Add(-maxAge), batchSize)
}

// CleanupHistory deletes history rows older than maxAge.
func (g *Gateway) CleanupHistory(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return g.sweepTable(ctx, "history", "created_at", time.Now().Add(-maxAge), batchSize)
}

// CleanupEvents deletes events rows older than maxAge.
func (g *Gateway) CleanupEvents(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return g.sweepTable(ctx, "events", "created_at", time.Now().Add(-maxAge), batchSize)
}
