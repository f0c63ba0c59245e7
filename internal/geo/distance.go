// Package geo provides the great-circle distance and spatial bucketing
// primitives used by the measurement aggregation engine.
package geo

import (
	"math"
	"sort"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// Point is a bare coordinate pair in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// PointDistance pairs a point with its distance from a query centre.
type PointDistance struct {
	Point    Point
	Distance float64 // meters
}

// Haversine returns the great-circle distance in meters between two
// coordinates given in decimal degrees. The result is symmetric and zero for
// identical inputs. Non-finite inputs propagate as NaN; range validation is
// the caller's job.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lon1Rad := lon1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	lon2Rad := lon2 * math.Pi / 180

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Asin(math.Sqrt(a))

	return c * EarthRadiusMeters
}

// PointsWithinRadius filters points to those within radiusMeters of the
// centre and returns them sorted by ascending distance. The input slice is
// not modified.
func PointsWithinRadius(centerLat, centerLon float64, points []Point, radiusMeters float64) []PointDistance {
	var nearby []PointDistance
	for _, p := range points {
		d := Haversine(centerLat, centerLon, p.Latitude, p.Longitude)
		if d <= radiusMeters {
			nearby = append(nearby, PointDistance{Point: p, Distance: d})
		}
	}
	sort.Slice(nearby, func(i, j int) bool {
		return nearby[i].Distance < nearby[j].Distance
	})
	return nearby
}
