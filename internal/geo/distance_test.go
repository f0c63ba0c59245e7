package geo

import (
	"math"
	"testing"
)

func TestHaversineSymmetry(t *testing.T) {
	pairs := [][4]float64{
		{52.2297, 21.0122, 52.4064, 16.9252}, // Warsaw <-> Poznan
		{0, 0, 0, 180},
		{-33.8688, 151.2093, 51.5074, -0.1278},
		{89.9, 10, -89.9, -170},
	}
	for _, p := range pairs {
		ab := Haversine(p[0], p[1], p[2], p[3])
		ba := Haversine(p[2], p[3], p[0], p[1])
		if math.Abs(ab-ba) > 1e-6 {
			t.Errorf("haversine not symmetric: d(A,B)=%f d(B,A)=%f", ab, ba)
		}
	}
}

func TestHaversineZeroForIdenticalPoints(t *testing.T) {
	if d := Haversine(52.2297, 21.0122, 52.2297, 21.0122); d != 0 {
		t.Errorf("expected zero distance for identical points, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Warsaw -> Krakow is roughly 252 km.
	d := Haversine(52.2297, 21.0122, 50.0647, 19.9450)
	if d < 240000 || d > 265000 {
		t.Errorf("Warsaw-Krakow distance out of expected range: %f m", d)
	}
}

func TestHaversineMonotonicWithSeparation(t *testing.T) {
	base := Point{52.0, 21.0}
	near := Haversine(base.Latitude, base.Longitude, 52.0001, 21.0)
	far := Haversine(base.Latitude, base.Longitude, 52.001, 21.0)
	if near >= far {
		t.Errorf("expected distance to grow with separation: near=%f far=%f", near, far)
	}
}

func TestHaversinePropagatesNaN(t *testing.T) {
	if d := Haversine(math.NaN(), 21.0, 52.0, 21.0); !math.IsNaN(d) {
		t.Errorf("expected NaN for non-finite input, got %f", d)
	}
}

func TestPointsWithinRadiusSortedAscending(t *testing.T) {
	points := []Point{
		{52.0010, 21.0}, // ~111 m
		{52.0001, 21.0}, // ~11 m
		{52.0005, 21.0}, // ~55 m
		{53.0, 22.0},    // far away
	}
	got := PointsWithinRadius(52.0, 21.0, points, 150)
	if len(got) != 3 {
		t.Fatalf("expected 3 points within 150m, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Distance < got[i-1].Distance {
			t.Fatalf("results not sorted ascending: %v", got)
		}
	}
	if got[0].Point.Latitude != 52.0001 {
		t.Errorf("expected nearest point first, got %v", got[0].Point)
	}
}

func TestPointsWithinRadiusEmptyInput(t *testing.T) {
	if got := PointsWithinRadius(52.0, 21.0, nil, 100); len(got) != 0 {
		t.Errorf("expected no results for empty input, got %v", got)
	}
}
