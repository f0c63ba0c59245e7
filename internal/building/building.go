// Package building resolves coordinates to building names. The aggregation
// engine consumes it as an opaque lookup; everything here is replaceable by
// any other reverse-geocoding source.
package building

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Maciek28675/wifi-scout-backend/internal/geo"
)

// LookupFunc resolves a coordinate to a building name. The second return is
// false when no building is known at that location. Implementations must be
// pure lookups with no side effects.
type LookupFunc func(lat, lon float64) (string, bool)

// Entry is one named building point in the index file.
type Entry struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Index answers nearest-building queries over a fixed set of named points.
type Index struct {
	entries      []Entry
	radiusMeters float64
}

// NewIndex builds an index over the given entries. A sample resolves to the
// nearest entry within radiusMeters.
func NewIndex(entries []Entry, radiusMeters float64) *Index {
	return &Index{entries: entries, radiusMeters: radiusMeters}
}

// LoadIndex reads a JSON array of entries from path.
func LoadIndex(path string, radiusMeters float64) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read building index: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse building index: %w", err)
	}
	return NewIndex(entries, radiusMeters), nil
}

// Find returns the name of the nearest building within the index radius.
func (idx *Index) Find(lat, lon float64) (string, bool) {
	bestDist := idx.radiusMeters
	bestName := ""
	found := false
	for _, e := range idx.entries {
		d := geo.Haversine(lat, lon, e.Latitude, e.Longitude)
		if d <= bestDist {
			bestDist = d
			bestName = e.Name
			found = true
		}
	}
	return bestName, found
}

// Lookup adapts the index to the LookupFunc consumed by the engine.
func (idx *Index) Lookup() LookupFunc {
	return idx.Find
}
