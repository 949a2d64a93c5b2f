package geo

import "testing"

func TestHaversineMeters_SamePoint(t *testing.T) {
	d := HaversineMeters(59.851624, 30.479838, 59.851624, 30.479838)
	if d != 0 {
		t.Fatalf("expected 0 distance for identical points, got %f", d)
	}
}

func TestHaversineMeters_SaintPetersburgToMoscow(t *testing.T) {
	// These Saint Petersburg -> Moscow points are roughly 621 km apart.
	d := HaversineMeters(59.851624, 30.479838, 55.751244, 37.618423)
	if d < 600000 || d > 670000 {
		t.Fatalf("expected ~621km, got %f meters", d)
	}
}

func TestHaversineMeters_ShortDistance(t *testing.T) {
	// ~0.67 meters of latitude drift.
	d := HaversineMeters(59.851624, 30.479838, 59.851630, 30.479838)
	if d < 0.1 || d > 20 {
		t.Fatalf("expected under a meter, got %f", d)
	}
}
