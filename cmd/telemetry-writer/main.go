package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/controlgate/telemetry-writer/internal/broker"
	"github.com/controlgate/telemetry-writer/internal/config"
	"github.com/controlgate/telemetry-writer/internal/gpsfilter"
	"github.com/controlgate/telemetry-writer/internal/httpserver"
	"github.com/controlgate/telemetry-writer/internal/ingest"
	"github.com/controlgate/telemetry-writer/internal/liveness"
	"github.com/controlgate/telemetry-writer/internal/metrics"
	"github.com/controlgate/telemetry-writer/internal/retention"
	"github.com/controlgate/telemetry-writer/internal/storage"
	"github.com/controlgate/telemetry-writer/internal/watchdog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "cleanup":
		runCleanup()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: telemetry-writer <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the ingestion service")
	fmt.Println("  cleanup   Run a single retention sweep and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file (default config.yml)")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	configPath = "config.yml"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}

	logger := initLogger(cfg.Logging.Level)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting telemetry-writer",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := storage.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	db := storage.NewGateway(pool)

	live := liveness.NewMap()
	dispatcher := ingest.New(logger.Named("dispatcher"), db, cfg.GPSFilter, cfg.HistoryPolicy, cfg.EventsPolicy)

	warmStartGPSFilters(ctx, db, dispatcher, logger)

	engine := ingest.NewEngine(logger.Named("ingest"), cfg.Ingest, dispatcher, live)

	var mqttClient *broker.Client
	mqttClient, err = broker.New(cfg.MQTT, logger.Named("mqtt"), func(m broker.Message) {
		engine.HandleBrokerMessage(ctx, m)
	})
	if err != nil {
		logger.Fatal("failed to build mqtt client", zap.Error(err))
	}

	wd := watchdog.New(cfg.EventsPolicy, logger.Named("watchdog"), db, live)
	sweeper := retention.New(db, cfg.Retention, logger.Named("retention"))

	httpSrv := httpserver.NewServer(cfg.Service.HTTPListen, db, mqttClient, logger.Named("http"))
	if err := httpSrv.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); engine.Run(ctx) }()
	go func() {
		defer wg.Done()
		if err := mqttClient.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mqtt client stopped unexpectedly", zap.Error(err))
		}
	}()
	go func() { defer wg.Done(); wd.Run(ctx) }()
	go func() { defer wg.Done(); sweeper.Run(ctx) }()

	logger.Info("all tasks started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all tasks stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some tasks may not have finished")
	}

	logger.Info("telemetry-writer stopped")
}

// warmStartGPSFilters seeds every router's GPS filter from its stored
// filtered-latest position so a restart doesn't momentarily forget a
// router's last-accepted position and re-open its deadband window.
func warmStartGPSFilters(ctx context.Context, db *storage.Gateway, dispatcher *ingest.Dispatcher, logger *zap.Logger) {
	rows, err := db.ListGPSLatest(ctx)
	if err != nil {
		logger.Warn("gps filter warm-start failed, starting cold", zap.Error(err))
		return
	}
	for _, r := range rows {
		dispatcher.WarmStartGPS(r.Router, gpsfilter.Point{
			Lat:        r.Lat,
			Lon:        r.Lon,
			Satellites: r.Satellites,
			FixStatus:  r.FixStatus,
			GPSTime:    r.GPSTime,
			ReceivedAt: r.GPSTime,
		})
	}
	logger.Info("gps filter warm-start complete", zap.Int("routers", len(rows)))
}

func runCleanup() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running retention cleanup",
		zap.Int("gps_raw_hours", cfg.Retention.GPSRawHours),
		zap.Int("history_days", cfg.Retention.HistoryDays),
		zap.Int("events_days", cfg.Retention.EventsDays),
	)

	ctx := context.Background()
	pool, err := storage.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	db := storage.NewGateway(pool)
	sweeper := retention.New(db, cfg.Retention, logger.Named("retention"))
	sweeper.RunOnce(ctx)

	logger.Info("retention cleanup complete")
}
