package geo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
)

// MetersPerDegreeLat is the approximate north-south span of one degree of
// latitude. Used to convert a real-world cell size into degree cell sizes.
const MetersPerDegreeLat = 111320.0

// ZoneID maps a coordinate to a coarse bucket key of the form
// "zone_{latIdx}_{lonIdx}". Two coordinates inside the same cell always get
// the same key; the converse does not hold (true neighbours can straddle a
// cell boundary), so callers must still distance-check before merging.
//
// The longitude cell size is derived from the query point's latitude, not the
// cell centre's. Cell widths therefore vary continuously with latitude and
// degrade near the poles; kept as-is so existing zone keys remain stable.
func ZoneID(lat, lon, zoneSizeMeters float64) string {
	latCellSize := zoneSizeMeters / MetersPerDegreeLat
	lonCellSize := zoneSizeMeters / (MetersPerDegreeLat * math.Cos(lat*math.Pi/180))

	latIdx := int64(math.Floor(lat / latCellSize))
	lonIdx := int64(math.Floor(lon / lonCellSize))

	return fmt.Sprintf("zone_%d_%d", latIdx, lonIdx)
}

// Geohash returns an opaque hash of the coordinate pair rendered at the given
// decimal precision. It is a content hash, not a real geohash: no prefix
// hierarchy and no neighbour-lookup property. Secondary/debug index only.
func Geohash(lat, lon float64, precision int) string {
	text := fmt.Sprintf("%.*f,%.*f", precision, lat, precision, lon)
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:12]
}
