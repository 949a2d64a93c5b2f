// Package retention implements the periodic bounded-batch deletion of aged
// rows: run once immediately on startup, then on a fixed interval,
// sweeping gps_raw_history, history, and events independently and logging
// per-table counts. A sweep failure is logged and the loop continues at
// the next interval rather than aborting.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/controlgate/telemetry-writer/internal/config"
	"github.com/controlgate/telemetry-writer/internal/storage"
)

// cleaner is the subset of storage.Gateway the sweeper needs, narrowed so
// tests can substitute a fake without a live database.
type cleaner interface {
	CleanupGPSRawHistory(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	CleanupHistory(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	CleanupEvents(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

var _ cleaner = (*storage.Gateway)(nil)

// Sweeper runs the three table-specific cleanups on a fixed schedule.
type Sweeper struct {
	db  cleaner
	cfg config.RetentionConfig
	log *zap.Logger
}

func New(db cleaner, cfg config.RetentionConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{db: db, cfg: cfg, log: log}
}

// Run sweeps immediately, then every cleanup_interval_hours until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.CleanupIntervalHours) * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs all three cleanups, logging and continuing past any
// individual table failure. Exported so the `cleanup` CLI subcommand can
// run a single sweep and exit.
func (s *Sweeper) RunOnce(ctx context.Context) {
	gpsDeleted, err := s.db.CleanupGPSRawHistory(ctx, time.Duration(s.cfg.GPSRawHours)*time.Hour, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("retention sweep of gps_raw_history failed", zap.Error(err))
	}

	historyDeleted, err := s.db.CleanupHistory(ctx, time.Duration(s.cfg.HistoryDays)*24*time.Hour, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("retention sweep of history failed", zap.Error(err))
	}

	eventsDeleted, err := s.db.CleanupEvents(ctx, time.Duration(s.cfg.EventsDays)*24*time.Hour, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("retention sweep of events failed", zap.Error(err))
	}

	s.log.Info("retention sweep complete",
		zap.Int64("gps_raw_history_deleted", gpsDeleted),
		zap.Int64("history_deleted", historyDeleted),
		zap.Int64("events_deleted", eventsDeleted),
	)
}
