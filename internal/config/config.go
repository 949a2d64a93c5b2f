package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service       ServiceConfig       `koanf:"service"`
	MQTT          MQTTConfig          `koanf:"mqtt"`
	Postgres      PostgresConfig      `koanf:"postgres"`
	Ingest        IngestConfig        `koanf:"ingest"`
	GPSFilter     GPSFilterConfig     `koanf:"gps_filter"`
	HistoryPolicy HistoryPolicyConfig `koanf:"history_policy"`
	EventsPolicy  EventsPolicyConfig  `koanf:"events_policy"`
	Retention     RetentionConfig     `koanf:"retention"`
	Logging       LoggingConfig       `koanf:"logging"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MQTTConfig struct {
	Host              string               `koanf:"host"`
	Port              int                  `koanf:"port"`
	User              string               `koanf:"user"`
	Password          string               `koanf:"password"`
	TLS               TLSConfig            `koanf:"tls"`
	ClientID          string               `koanf:"client_id"`
	KeepaliveSeconds  int                  `koanf:"keepalive"`
	ReconnectMinDelay time.Duration        `koanf:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration        `koanf:"reconnect_max_delay"`
	Subscriptions     SubscriptionsConfig  `koanf:"subscriptions"`
}

type SubscriptionsConfig struct {
	Telemetry string `koanf:"telemetry"`
	Decoded   string `koanf:"decoded"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	DBName   string `koanf:"dbname"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	PoolMin  int32  `koanf:"pool_min"`
	PoolMax  int32  `koanf:"pool_max"`
}

// DSN builds a libpq-style connection string from the discrete fields,
// matching pgxpool.ParseConfig's expected input.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s",
		p.Host, p.Port, p.DBName, p.User, p.Password,
	)
}

type IngestConfig struct {
	DecodedQueueMaxSize   int           `koanf:"decoded_queue_maxsize"`
	TelemetryQueueMaxSize int           `koanf:"telemetry_queue_maxsize"`
	WorkerCount           int           `koanf:"worker_count"`
	DropDecodedWhenFull   bool          `koanf:"drop_decoded_when_full"`
	DropDecodedPolicy     string        `koanf:"drop_decoded_policy"`
	WorkerMaxRetries      int           `koanf:"worker_max_retries"`
	WorkerRetryDelaySec   time.Duration `koanf:"worker_retry_delay_sec"`
}

type GPSFilterConfig struct {
	SatsMin        int     `koanf:"sats_min"`
	FixMin         int     `koanf:"fix_min"`
	DeadbandM      float64 `koanf:"deadband_m"`
	MaxJumpM       float64 `koanf:"max_jump_m"`
	MaxSpeedKmh    float64 `koanf:"max_speed_kmh"`
	ConfirmPoints  int     `koanf:"confirm_points"`
	ConfirmRadiusM float64 `koanf:"confirm_radius_m"`
}

type HistoryPolicyConfig struct {
	Defaults     HistoryDefaultsConfig `koanf:"defaults"`
	KPIRegisters []KPIRegisterConfig   `koanf:"kpi_registers"`
}

type HistoryDefaultsConfig struct {
	ToleranceAnalog float64 `koanf:"tolerance_analog"`
	MinIntervalSec  int     `koanf:"min_interval_sec"`
	HeartbeatSec    int     `koanf:"heartbeat_sec"`
	StoreHistory    bool    `koanf:"store_history"`
	ValueKind       string  `koanf:"value_kind"`
}

type KPIRegisterConfig struct {
	Addr         int      `koanf:"addr"`
	HeartbeatSec *int     `koanf:"heartbeat_sec"`
	Tolerance    *float64 `koanf:"tolerance"`
}

type EventsPolicyConfig struct {
	RouterStaleSec             int  `koanf:"router_stale_sec"`
	RouterOfflineSec           int  `koanf:"router_offline_sec"`
	PanelStaleSec              int  `koanf:"panel_stale_sec"`
	PanelOfflineSec            int  `koanf:"panel_offline_sec"`
	CheckIntervalSec           int  `koanf:"check_interval_sec"`
	EnableGPSRejectEvents      bool `koanf:"enable_gps_reject_events"`
	EnableUnknownRegisterEvents bool `koanf:"enable_unknown_register_events"`
}

type RetentionConfig struct {
	GPSRawHours         int `koanf:"gps_raw_hours"`
	HistoryDays         int `koanf:"history_days"`
	EventsDays          int `koanf:"events_days"`
	CleanupIntervalHours int `koanf:"cleanup_interval_hours"`
	BatchSize           int `koanf:"batch_size"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	Structured bool   `koanf:"structured"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TELEMETRY_WRITER_MQTT__HOST → mqtt.host
	if err := k.Load(env.Provider("TELEMETRY_WRITER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TELEMETRY_WRITER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "telemetry-writer-1",
			HTTPListen:             ":8080",
			ShutdownTimeoutSeconds: 30,
		},
		MQTT: MQTTConfig{
			Port:              1883,
			ClientID:          "telemetry-writer",
			KeepaliveSeconds:  60,
			ReconnectMinDelay: time.Second,
			ReconnectMaxDelay: 30 * time.Second,
			Subscriptions: SubscriptionsConfig{
				Telemetry: "cg/v1/telemetry/SN/+",
				Decoded:   "cg/v1/decoded/SN/+/pcc/+",
			},
		},
		Postgres: PostgresConfig{
			Port:    5432,
			PoolMin: 2,
			PoolMax: 20,
		},
		Ingest: IngestConfig{
			DecodedQueueMaxSize:   5000,
			TelemetryQueueMaxSize: 200,
			WorkerCount:           1,
			DropDecodedWhenFull:   true,
			DropDecodedPolicy:     "drop_oldest",
			WorkerMaxRetries:      3,
			WorkerRetryDelaySec:   2 * time.Second,
		},
		GPSFilter: GPSFilterConfig{
			SatsMin:        4,
			FixMin:         1,
			DeadbandM:      30,
			MaxJumpM:       500,
			MaxSpeedKmh:    120,
			ConfirmPoints:  3,
			ConfirmRadiusM: 50,
		},
		HistoryPolicy: HistoryPolicyConfig{
			Defaults: HistoryDefaultsConfig{
				ToleranceAnalog: 0.5,
				MinIntervalSec:  5,
				HeartbeatSec:    300,
				StoreHistory:    true,
				ValueKind:       "analog",
			},
		},
		EventsPolicy: EventsPolicyConfig{
			RouterStaleSec:              120,
			RouterOfflineSec:            600,
			PanelStaleSec:               120,
			PanelOfflineSec:             600,
			CheckIntervalSec:            30,
			EnableGPSRejectEvents:       true,
			EnableUnknownRegisterEvents: true,
		},
		Retention: RetentionConfig{
			GPSRawHours:          168,
			HistoryDays:          90,
			EventsDays:           90,
			CleanupIntervalHours: 24,
			BatchSize:            1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("config: mqtt.host is required")
	}
	if c.Postgres.DBName == "" {
		return fmt.Errorf("config: postgres.dbname is required")
	}
	if c.MQTT.Subscriptions.Telemetry == "" {
		return fmt.Errorf("config: mqtt.subscriptions.telemetry is required")
	}
	if c.MQTT.Subscriptions.Decoded == "" {
		return fmt.Errorf("config: mqtt.subscriptions.decoded is required")
	}
	if c.MQTT.ReconnectMinDelay <= 0 {
		return fmt.Errorf("config: mqtt.reconnect_min_delay must be > 0")
	}
	if c.MQTT.ReconnectMaxDelay < c.MQTT.ReconnectMinDelay {
		return fmt.Errorf("config: mqtt.reconnect_max_delay must be >= mqtt.reconnect_min_delay")
	}
	if c.Ingest.WorkerCount <= 0 {
		return fmt.Errorf("config: ingest.worker_count must be > 0 (got %d)", c.Ingest.WorkerCount)
	}
	if c.Ingest.DecodedQueueMaxSize <= 0 {
		return fmt.Errorf("config: ingest.decoded_queue_maxsize must be > 0 (got %d)", c.Ingest.DecodedQueueMaxSize)
	}
	if c.Ingest.TelemetryQueueMaxSize <= 0 {
		return fmt.Errorf("config: ingest.telemetry_queue_maxsize must be > 0 (got %d)", c.Ingest.TelemetryQueueMaxSize)
	}
	switch c.Ingest.DropDecodedPolicy {
	case "drop_oldest", "drop_new":
	default:
		return fmt.Errorf("config: ingest.drop_decoded_policy must be drop_oldest or drop_new (got %q)", c.Ingest.DropDecodedPolicy)
	}
	if c.GPSFilter.ConfirmPoints <= 0 {
		return fmt.Errorf("config: gps_filter.confirm_points must be > 0 (got %d)", c.GPSFilter.ConfirmPoints)
	}
	if c.Retention.BatchSize <= 0 {
		return fmt.Errorf("config: retention.batch_size must be > 0 (got %d)", c.Retention.BatchSize)
	}
	if c.Retention.CleanupIntervalHours <= 0 {
		return fmt.Errorf("config: retention.cleanup_interval_hours must be > 0 (got %d)", c.Retention.CleanupIntervalHours)
	}
	if c.Postgres.PoolMax <= 0 {
		return fmt.Errorf("config: postgres.pool_max must be > 0 (got %d)", c.Postgres.PoolMax)
	}
	if c.Postgres.PoolMin < 0 {
		return fmt.Errorf("config: postgres.pool_min must be >= 0 (got %d)", c.Postgres.PoolMin)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.EventsPolicy.CheckIntervalSec <= 0 {
		return fmt.Errorf("config: events_policy.check_interval_sec must be > 0 (got %d)", c.EventsPolicy.CheckIntervalSec)
	}
	if c.EventsPolicy.RouterOfflineSec <= c.EventsPolicy.RouterStaleSec {
		return fmt.Errorf("config: events_policy.router_offline_sec must exceed router_stale_sec")
	}
	if c.EventsPolicy.PanelOfflineSec <= c.EventsPolicy.PanelStaleSec {
		return fmt.Errorf("config: events_policy.panel_offline_sec must exceed panel_stale_sec")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the MQTT TLS settings. Returns nil if TLS is disabled.
func (m *MQTTConfig) BuildTLSConfig() (*tls.Config, error) {
	if !m.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if m.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(m.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if m.TLS.CertFile != "" && m.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.TLS.CertFile, m.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
