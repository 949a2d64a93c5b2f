package gpsfilter

import (
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func TestFilter_FirstPointAccepted(t *testing.T) {
	f := New(DefaultConfig())
	now := time.Now()
	v := f.Check(Point{Lat: 59.851624, Lon: 30.479838, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now})
	if !v.Accepted {
		t.Fatalf("expected first point to be accepted, got reason %q", v.Reason)
	}
	last := f.LastAccepted()
	if last == nil || last.Lat != 59.851624 {
		t.Fatalf("expected last_accepted to be set to the first point, got %+v", last)
	}
}

func TestFilter_TeleportRejected(t *testing.T) {
	f := New(DefaultConfig())
	now := time.Now()
	f.Check(Point{Lat: 59.851624, Lon: 30.479838, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now})

	v := f.Check(Point{Lat: 55.751244, Lon: 37.618423, Satellites: intp(10), FixStatus: intp(1), ReceivedAt: now.Add(2 * time.Second)})
	if v.Accepted {
		t.Fatalf("expected teleport to be rejected")
	}
	if v.Reason != "jump_distance" && v.Reason != "jump_speed" {
		t.Fatalf("expected jump_distance or jump_speed reason, got %q", v.Reason)
	}
	last := f.LastAccepted()
	if last.Lat != 59.851624 {
		t.Fatalf("last_accepted must not change on reject")
	}
}

func TestFilter_Deadband(t *testing.T) {
	f := New(DefaultConfig())
	now := time.Now()
	f.Check(Point{Lat: 59.851624, Lon: 30.479838, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now})

	v := f.Check(Point{Lat: 59.851630, Lon: 30.479840, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now.Add(time.Second)})
	if !v.Accepted {
		t.Fatalf("expected deadband point to be accepted")
	}
	// The in-process filter updates last_accepted to the deadband point
	// like any other accept; the caller (not this package) is responsible
	// for not overwriting gps_latest_filtered, using the store-based check.
}

func TestFilter_LowSats(t *testing.T) {
	f := New(DefaultConfig())
	now := time.Now()
	f.Check(Point{Lat: 59.851624, Lon: 30.479838, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now})

	v := f.Check(Point{Lat: 59.851624, Lon: 30.479838, Satellites: intp(2), FixStatus: intp(1), ReceivedAt: now.Add(time.Second)})
	if v.Accepted {
		t.Fatalf("expected low-sats point to be rejected")
	}
	if v.Reason != "low_sats" {
		t.Fatalf("expected reason low_sats, got %q", v.Reason)
	}
}

func TestFilter_LowSats_ClearsConfirmBuffer(t *testing.T) {
	f := New(DefaultConfig())
	now := time.Now()
	f.Check(Point{Lat: 59.851624, Lon: 30.479838, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now})

	// Start a move-confirmation sequence.
	f.Check(Point{Lat: 55.751244, Lon: 37.618423, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now.Add(time.Second)})
	// A low-sats point must reset the buffer.
	f.Check(Point{Lat: 55.751244, Lon: 37.618423, Satellites: intp(1), FixStatus: intp(1), ReceivedAt: now.Add(2 * time.Second)})

	if len(f.confirmBuffer) != 0 {
		t.Fatalf("expected confirm buffer to be cleared after low-sats rejection")
	}
}

func TestFilter_MoveConfirmation(t *testing.T) {
	cfg := DefaultConfig()
	f := New(cfg)
	now := time.Now()
	f.Check(Point{Lat: 59.851624, Lon: 30.479838, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now})

	// Three points near Moscow, within confirm_radius_m of each other.
	p1 := Point{Lat: 55.751244, Lon: 37.618423, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now.Add(1 * time.Second)}
	p2 := Point{Lat: 55.751270, Lon: 37.618400, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now.Add(2 * time.Second)}
	p3 := Point{Lat: 55.751290, Lon: 37.618440, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: now.Add(3 * time.Second)}

	v1 := f.Check(p1)
	v2 := f.Check(p2)
	v3 := f.Check(p3)

	if v1.Accepted || v2.Accepted {
		t.Fatalf("expected first two confirm points to be rejected, got v1=%v v2=%v", v1, v2)
	}
	if !v3.Accepted {
		t.Fatalf("expected the third confirming point to be accepted")
	}
	last := f.LastAccepted()
	if last.Lat != p3.Lat || last.Lon != p3.Lon {
		t.Fatalf("expected last_accepted to move to the confirmed point, got %+v", last)
	}
}

func TestFilter_WarmStart(t *testing.T) {
	f := New(DefaultConfig())
	warm := Point{Lat: 59.851624, Lon: 30.479838, ReceivedAt: time.Now()}
	f.WarmStart(warm)

	if f.LastAccepted() == nil {
		t.Fatalf("expected warm-started filter to have a last_accepted position")
	}

	// A subsequent deadband point should be accepted without going
	// through bootstrap.
	v := f.Check(Point{Lat: 59.851625, Lon: 30.479839, Satellites: intp(8), FixStatus: intp(1), ReceivedAt: warm.ReceivedAt.Add(time.Second)})
	if !v.Accepted {
		t.Fatalf("expected deadband point after warm-start to be accepted")
	}
}

func TestRegistry_GetCreatesOnDemand(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	f1 := r.Get("R1")
	f2 := r.Get("R1")
	if f1 != f2 {
		t.Fatalf("expected the same filter instance for repeated Get calls")
	}
	f3 := r.Get("R2")
	if f3 == f1 {
		t.Fatalf("expected different filter instances for different routers")
	}
}
