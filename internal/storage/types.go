package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RegisterKey identifies one register's current-value slot.
type RegisterKey struct {
	Router    string
	EquipType string
	PanelID   int
	Addr      int
}

// GPSRawRow is one row of the append-only GPS raw history log.
type GPSRawRow struct {
	Router       string
	GPSTime      time.Time
	Lat          float64
	Lon          float64
	Satellites   *int
	FixStatus    *int
	Accepted     bool
	RejectReason string
}

// GPSLatestRow is the current filtered position for a router.
type GPSLatestRow struct {
	Router     string
	GPSTime    time.Time
	Lat        float64
	Lon        float64
	Satellites *int
	FixStatus  *int
}

// LatestStateRow is the current-value snapshot for one register key.
type LatestStateRow struct {
	Key    RegisterKey
	TS     *time.Time
	Value  *decimal.Decimal
	Raw    *int64
	Text   string
	Unit   string
	Name   string
	Reason string
}

// HistoryRow is one append-only history entry for a register key.
type HistoryRow struct {
	Key         RegisterKey
	TS          *time.Time
	Value       *decimal.Decimal
	Raw         *int64
	Text        string
	Unit        string
	Name        string
	Reason      string
	WriteReason string // "change" or "heartbeat"
}

// EventRow is one append-only event entry.
type EventRow struct {
	Router    string
	EquipType *string
	PanelID   *int
	EventType string
	Description string
	Payload   []byte // JSON document, may be nil
}

// CatalogRow is a read-only register catalog entry for (equip_type, addr).
// value_kind is optional like every other catalog field, so it must scan a
// SQL NULL without error.
type CatalogRow struct {
	Tolerance      *decimal.Decimal
	MinIntervalSec *int
	HeartbeatSec   *int
	StoreHistory   *bool
	ValueKind      *string
}
