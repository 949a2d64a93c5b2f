// Package gpsfilter implements the per-router anti-teleport, move-confirming
// GPS position filter described in the ingest pipeline's GPS handling path.
package gpsfilter

import (
	"sync"
	"time"

	"github.com/controlgate/telemetry-writer/internal/geo"
)

// Point is a single GPS observation.
type Point struct {
	Lat         float64
	Lon         float64
	Satellites  *int
	FixStatus   *int
	GPSTime     time.Time
	ReceivedAt  time.Time
}

// Verdict is the outcome of running a Point through a Filter.
type Verdict struct {
	Accepted bool
	Reason   string // empty when Accepted
}

// Config holds the tunables for one Filter instance. All fields have the
// defaults named in the ingest spec.
type Config struct {
	SatsMin        int
	FixMin         int
	DeadbandM      float64
	MaxJumpM       float64
	MaxSpeedKmh    float64
	ConfirmPoints  int
	ConfirmRadiusM float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SatsMin:        4,
		FixMin:         1,
		DeadbandM:      30,
		MaxJumpM:       500,
		MaxSpeedKmh:    120,
		ConfirmPoints:  3,
		ConfirmRadiusM: 50,
	}
}

// Filter is the anti-teleport state machine for a single router. It is
// safe for concurrent use; with worker_count > 1 multiple workers may still
// race to observe intermediate confirm-buffer state for the same router,
// which the ingest spec treats as acceptable advisory behavior.
type Filter struct {
	mu            sync.Mutex
	cfg           Config
	lastAccepted  *Point
	confirmBuffer []Point
}

// New creates a Filter with no prior accepted position.
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// WarmStart seeds the filter's last-accepted position from a stored
// filtered-latest row, without running it back through the deadband logic.
func (f *Filter) WarmStart(p Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAccepted = &p
	f.confirmBuffer = nil
}

// LastAccepted returns the current last-accepted position, or nil if the
// filter has not yet accepted anything.
func (f *Filter) LastAccepted() *Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAccepted
}

// Check runs a newly received point through the filter and returns the
// accept/reject verdict, updating internal state as a side effect.
func (f *Filter) Check(p Point) Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()

	// 1. Quality gate.
	if p.Satellites != nil && *p.Satellites < f.cfg.SatsMin {
		f.confirmBuffer = nil
		return Verdict{Accepted: false, Reason: "low_sats"}
	}
	if p.FixStatus != nil && *p.FixStatus < f.cfg.FixMin {
		f.confirmBuffer = nil
		return Verdict{Accepted: false, Reason: "bad_fix"}
	}

	// 2. Bootstrap.
	if f.lastAccepted == nil {
		f.accept(p)
		return Verdict{Accepted: true}
	}

	dist := geo.HaversineMeters(f.lastAccepted.Lat, f.lastAccepted.Lon, p.Lat, p.Lon)

	// 3. Deadband.
	if dist < f.cfg.DeadbandM {
		f.accept(p)
		return Verdict{Accepted: true}
	}

	// 4. Jump test.
	dt := p.ReceivedAt.Sub(f.lastAccepted.ReceivedAt).Seconds()
	if dt <= 0 {
		dt = 1
	}

	if dist > f.cfg.MaxJumpM {
		return f.attemptConfirm(p, "jump_distance")
	}

	speedKmh := (dist / dt) * 3.6
	if speedKmh > f.cfg.MaxSpeedKmh {
		return f.attemptConfirm(p, "jump_speed")
	}

	f.accept(p)
	return Verdict{Accepted: true}
}

// attemptConfirm implements the move-confirmation buffer: a sequence of
// ConfirmPoints consecutive candidates within ConfirmRadiusM of the first
// candidate is treated as a confirmed relocation.
func (f *Filter) attemptConfirm(p Point, reason string) Verdict {
	if len(f.confirmBuffer) == 0 {
		f.confirmBuffer = append(f.confirmBuffer, p)
		return Verdict{Accepted: false, Reason: reason}
	}

	ref := f.confirmBuffer[0]
	if geo.HaversineMeters(ref.Lat, ref.Lon, p.Lat, p.Lon) > f.cfg.ConfirmRadiusM {
		f.confirmBuffer = []Point{p}
		return Verdict{Accepted: false, Reason: reason}
	}

	f.confirmBuffer = append(f.confirmBuffer, p)
	if len(f.confirmBuffer) >= f.cfg.ConfirmPoints {
		f.accept(p)
		return Verdict{Accepted: true}
	}

	return Verdict{Accepted: false, Reason: reason}
}

func (f *Filter) accept(p Point) {
	f.lastAccepted = &p
	f.confirmBuffer = nil
}

// Registry owns one Filter per router, created on demand, guarded by a
// mutex so it can be shared safely when worker_count > 1.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	filters map[string]*Filter
}

// NewRegistry creates an empty registry using cfg for every router's filter.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, filters: make(map[string]*Filter)}
}

// Get returns the Filter for router sn, creating it on first access.
func (r *Registry) Get(sn string) *Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.filters[sn]
	if !ok {
		f = New(r.cfg)
		r.filters[sn] = f
	}
	return f
}
