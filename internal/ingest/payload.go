package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// telemetryPayload is the GPS telemetry message shape published on
// cg/v1/telemetry/SN/<sn>.
type telemetryPayload struct {
	GPS *gpsPayload `json:"GPS"`
}

type gpsPayload struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Satellites  *int     `json:"satellites"`
	FixStatus   *int     `json:"fix_status"`
	Timestamp   *int64   `json:"timestamp"`
	DateISO8601 *string  `json:"date_iso_8601"`
}

// decodedPayload is the register snapshot message shape published on
// cg/v1/decoded/SN/<sn>/pcc/<panel_id>.
type decodedPayload struct {
	Timestamp *string            `json:"timestamp"`
	RouterSN  string             `json:"router_sn"`
	BServerID *int               `json:"bserver_id"`
	Registers []registerPayload  `json:"registers"`
}

type registerPayload struct {
	Addr   int             `json:"addr"`
	Name   *string         `json:"name"`
	Value  json.RawMessage `json:"value"`
	Text   *string         `json:"text"`
	Unit   *string         `json:"unit"`
	Raw    *int64          `json:"raw"`
	Reason *string         `json:"reason"`
}

func parseTelemetryPayload(data []byte) (telemetryPayload, error) {
	var p telemetryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return telemetryPayload{}, fmt.Errorf("unmarshal telemetry payload: %w", err)
	}
	return p, nil
}

func parseDecodedPayload(data []byte) (decodedPayload, error) {
	var p decodedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return decodedPayload{}, fmt.Errorf("unmarshal decoded payload: %w", err)
	}
	return p, nil
}

// gpsTime resolves date_iso_8601 first, falling back to the epoch-seconds
// timestamp field.
func gpsTime(p gpsPayload, received time.Time) time.Time {
	if p.DateISO8601 != nil {
		if t, err := time.Parse(time.RFC3339, *p.DateISO8601); err == nil {
			return t
		}
	}
	if p.Timestamp != nil {
		return time.Unix(*p.Timestamp, 0).UTC()
	}
	return received
}

// decodedTime parses the optional ISO-8601 timestamp field, returning the
// zero value and ok=false on absence or parse failure (the caller logs a
// parse failure; absence is not logged).
func decodedTime(raw *string) (time.Time, bool) {
	if raw == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// coerceValue converts a register's raw JSON "value" field to an
// arbitrary-precision decimal when numeric. On success it returns only the
// decimal, leaving text for the payload's own "text" field to populate;
// the stringified fallback is produced only when coercion fails (a
// non-numeric string, a malformed number), matching the reference decoder's
// "text = str(value)" happening solely in its except branch. An absent or
// null value yields a nil decimal and empty text.
func coerceValue(raw json.RawMessage) (*decimal.Decimal, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ""
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if d, err := decimal.NewFromString(num.String()); err == nil {
			return &d, ""
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s
	}

	return nil, string(raw)
}
