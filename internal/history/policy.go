// Package history implements the history-admission policy: the decision
// of whether an incoming register sample is durable enough to warrant a
// row in the append-only history table, as opposed to merely refreshing
// the latest-state snapshot.
package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValueKind classifies a register's value semantics. Discrete/enum/text
// registers always use exact-equality comparison; analog registers may
// tolerate a numeric band before being considered "changed".
type ValueKind string

const (
	ValueKindAnalog   ValueKind = "analog"
	ValueKindDiscrete ValueKind = "discrete"
	ValueKindEnum     ValueKind = "enum"
	ValueKindText     ValueKind = "text"
)

// Defaults are the global fallback parameters (history_policy.defaults).
type Defaults struct {
	ToleranceAnalog decimal.Decimal
	MinIntervalSec  int
	HeartbeatSec    int
	StoreHistory    bool
	ValueKind       ValueKind
}

// CatalogEntry is the optional per (equip_type, addr) override from the
// register catalog. A nil pointer field means "not specified, fall through".
type CatalogEntry struct {
	Tolerance      *decimal.Decimal
	MinIntervalSec *int
	HeartbeatSec   *int
	StoreHistory   *bool
	ValueKind      ValueKind
}

// KPIEntry is the optional per-addr override from the KPI-register table.
type KPIEntry struct {
	HeartbeatSec *int
	Tolerance    *decimal.Decimal
}

// ResolvedParams are the fully resolved per-sample parameters after
// layering Defaults < CatalogEntry < KPIEntry.
type ResolvedParams struct {
	Tolerance      *decimal.Decimal // nil means exact-equality semantics
	MinIntervalSec int
	HeartbeatSec   int
	StoreHistory   bool
	ValueKind      ValueKind
}

// Resolve layers the three parameter sources, later overriding earlier,
// and forces exact-equality semantics for non-analog value kinds.
func Resolve(def Defaults, catalog *CatalogEntry, kpi *KPIEntry) ResolvedParams {
	p := ResolvedParams{
		Tolerance:      &def.ToleranceAnalog,
		MinIntervalSec: def.MinIntervalSec,
		HeartbeatSec:   def.HeartbeatSec,
		StoreHistory:   def.StoreHistory,
		ValueKind:      def.ValueKind,
	}
	if p.ValueKind == "" {
		p.ValueKind = ValueKindAnalog
	}

	if catalog != nil {
		if catalog.Tolerance != nil {
			p.Tolerance = catalog.Tolerance
		}
		if catalog.MinIntervalSec != nil {
			p.MinIntervalSec = *catalog.MinIntervalSec
		}
		if catalog.HeartbeatSec != nil {
			p.HeartbeatSec = *catalog.HeartbeatSec
		}
		if catalog.StoreHistory != nil {
			p.StoreHistory = *catalog.StoreHistory
		}
		if catalog.ValueKind != "" {
			p.ValueKind = catalog.ValueKind
		}
	}

	if kpi != nil {
		if kpi.HeartbeatSec != nil {
			p.HeartbeatSec = *kpi.HeartbeatSec
		}
		if kpi.Tolerance != nil {
			p.Tolerance = kpi.Tolerance
		}
	}

	if p.ValueKind == ValueKindDiscrete || p.ValueKind == ValueKindEnum || p.ValueKind == ValueKindText {
		p.Tolerance = nil
	}

	return p
}

// Sample is the subset of an incoming register reading the admission
// policy needs: the current numeric value (nil if not numeric), the raw
// integer, the text representation, and the decode reason string.
type Sample struct {
	Value *decimal.Decimal
	Raw   *int64
	Text  string
	Reason string
}

// Decision is the outcome of admitting a sample.
type Decision struct {
	Write  bool
	Reason string // "change", "heartbeat", or "" when Write is false
}

// Decide resolves parameters, then admits the sample as a change, a
// heartbeat, or neither.
//
// prev is the previous Sample for this register key, or nil if none is
// on record. lastHistoryTS is the process-local last-write timestamp for
// this register key, or nil if unknown (e.g. after a restart).
func Decide(params ResolvedParams, prev *Sample, cur Sample, now time.Time, lastHistoryTS *time.Time) Decision {
	if !params.StoreHistory {
		return Decision{Write: false}
	}

	var elapsed *float64
	if lastHistoryTS != nil {
		e := now.Sub(*lastHistoryTS).Seconds()
		elapsed = &e
	}

	if elapsed != nil && *elapsed < float64(params.MinIntervalSec) {
		return Decision{Write: false}
	}

	if changed(params, prev, cur) {
		return Decision{Write: true, Reason: "change"}
	}

	if elapsed == nil || *elapsed >= float64(params.HeartbeatSec) {
		return Decision{Write: true, Reason: "heartbeat"}
	}

	return Decision{Write: false}
}

func changed(params ResolvedParams, prev *Sample, cur Sample) bool {
	if prev == nil {
		return true
	}

	if !rawEqual(prev.Raw, cur.Raw) || prev.Text != cur.Text || prev.Reason != cur.Reason {
		return true
	}

	if params.Tolerance != nil {
		if (cur.Value == nil) != (prev.Value == nil) {
			return true
		}
		if cur.Value != nil && prev.Value != nil {
			diff := cur.Value.Sub(*prev.Value).Abs()
			if diff.GreaterThan(*params.Tolerance) {
				return true
			}
		}
	}

	return false
}

func rawEqual(a, b *int64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
