package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			ShutdownTimeoutSeconds: 30,
		},
		MQTT: MQTTConfig{
			Host:              "localhost",
			Port:              1883,
			ReconnectMinDelay: time.Second,
			ReconnectMaxDelay: 30 * time.Second,
			Subscriptions: SubscriptionsConfig{
				Telemetry: "cg/v1/telemetry/SN/+",
				Decoded:   "cg/v1/decoded/SN/+/pcc/+",
			},
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			DBName:  "test",
			PoolMin: 2,
			PoolMax: 10,
		},
		Ingest: IngestConfig{
			DecodedQueueMaxSize:   5000,
			TelemetryQueueMaxSize: 200,
			WorkerCount:           1,
			DropDecodedPolicy:     "drop_oldest",
		},
		GPSFilter: GPSFilterConfig{
			ConfirmPoints: 3,
		},
		EventsPolicy: EventsPolicyConfig{
			RouterStaleSec:   120,
			RouterOfflineSec: 600,
			PanelStaleSec:    120,
			PanelOfflineSec:  600,
			CheckIntervalSec: 30,
		},
		Retention: RetentionConfig{
			BatchSize:            1000,
			CleanupIntervalHours: 24,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoMQTTHost(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty mqtt.host")
	}
}

func TestValidate_NoDBName(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DBName = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty postgres.dbname")
	}
}

func TestValidate_NoTelemetryTopic(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Subscriptions.Telemetry = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty telemetry subscription")
	}
}

func TestValidate_ReconnectMaxBelowMin(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.ReconnectMaxDelay = 500 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when reconnect_max_delay < reconnect_min_delay")
	}
}

func TestValidate_WorkerCountZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.WorkerCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for worker_count = 0")
	}
}

func TestValidate_InvalidDropDecodedPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.DropDecodedPolicy = "discard_all"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown drop_decoded_policy")
	}
}

func TestValidate_ConfirmPointsZero(t *testing.T) {
	cfg := validConfig()
	cfg.GPSFilter.ConfirmPoints = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for confirm_points = 0")
	}
}

func TestValidate_RetentionBatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.batch_size = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_PanelOfflineNotGreaterThanStale(t *testing.T) {
	cfg := validConfig()
	cfg.EventsPolicy.PanelOfflineSec = cfg.EventsPolicy.PanelStaleSec
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when panel_offline_sec does not exceed panel_stale_sec")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
mqtt:
  host: "localhost"
postgres:
  dbname: "test"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideHost(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TELEMETRY_WRITER_MQTT__HOST", "envhost")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MQTT.Host != "envhost" {
		t.Errorf("expected mqtt.host from env, got %q", cfg.MQTT.Host)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TELEMETRY_WRITER_LOGGING__LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected logging.level 'debug' from env, got %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvEmptyDBNameFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TELEMETRY_WRITER_POSTGRES__DBNAME", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty postgres.dbname via env")
	}
}
