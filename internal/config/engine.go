// Package config holds the spatial-aggregation engine tuning parameters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Merge modes select how candidate aggregates are discovered for a new
// sample.
const (
	// MergeModeZone buckets by zone id and distance-checks candidates in
	// the bucket. The default.
	MergeModeZone = "zone"
	// MergeModeBuilding scans aggregates attached to the same building and
	// merges within a horizontal and vertical tolerance. Intended for small
	// deployments without zone bucketing.
	MergeModeBuilding = "building"
)

// Merge strategies select which candidate within the proximity threshold
// wins.
const (
	// MergeStrategyFirstMatch keeps the historical behaviour: candidates
	// are scanned most-recent-first and the first within threshold wins.
	MergeStrategyFirstMatch = "first-match"
	// MergeStrategyNearest picks the globally nearest candidate within
	// threshold.
	MergeStrategyNearest = "nearest"
)

// EngineConfig represents the tunable parameters of the ingestion and
// aggregation engine. All fields are optional in the JSON file; the Get*
// accessors supply defaults, so partial configs are safe.
type EngineConfig struct {
	ZoneSizeMeters           *float64 `json:"zone_size_meters,omitempty"`
	ProximityThresholdMeters *float64 `json:"proximity_threshold_meters,omitempty"`
	MergeMode                *string  `json:"merge_mode,omitempty"`
	MergeStrategy            *string  `json:"merge_strategy,omitempty"`

	// Building-mode tolerances
	BuildingProximityMeters *float64 `json:"building_proximity_meters,omitempty"`
	BuildingHeightTolerance *float64 `json:"building_height_tolerance_meters,omitempty"`

	// Building lookup
	BuildingLookupRadius *float64 `json:"building_lookup_radius_meters,omitempty"`

	// Listing
	MaxPageSize     *int `json:"max_page_size,omitempty"`
	DefaultPageSize *int `json:"default_page_size,omitempty"`

	// Geohash secondary index
	GeohashPrecision *int `json:"geohash_precision,omitempty"`

	// Zone rollup worker
	RollupInterval  *string `json:"rollup_interval,omitempty"` // duration string like "30s"
	RollupQueueSize *int    `json:"rollup_queue_size,omitempty"`
}

// DefaultEngineConfig returns a config with all fields unset; every accessor
// falls back to its built-in default.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file. Fields omitted
// from the file keep their defaults.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that set values are usable.
func (c *EngineConfig) Validate() error {
	if c.ZoneSizeMeters != nil && *c.ZoneSizeMeters <= 0 {
		return fmt.Errorf("zone_size_meters must be positive, got %f", *c.ZoneSizeMeters)
	}
	if c.ProximityThresholdMeters != nil && *c.ProximityThresholdMeters <= 0 {
		return fmt.Errorf("proximity_threshold_meters must be positive, got %f", *c.ProximityThresholdMeters)
	}
	if c.MergeMode != nil {
		if *c.MergeMode != MergeModeZone && *c.MergeMode != MergeModeBuilding {
			return fmt.Errorf("unknown merge_mode %q", *c.MergeMode)
		}
	}
	if c.MergeStrategy != nil {
		if *c.MergeStrategy != MergeStrategyFirstMatch && *c.MergeStrategy != MergeStrategyNearest {
			return fmt.Errorf("unknown merge_strategy %q", *c.MergeStrategy)
		}
	}
	if c.MaxPageSize != nil && *c.MaxPageSize < 1 {
		return fmt.Errorf("max_page_size must be at least 1, got %d", *c.MaxPageSize)
	}
	if c.RollupInterval != nil && *c.RollupInterval != "" {
		if _, err := time.ParseDuration(*c.RollupInterval); err != nil {
			return fmt.Errorf("invalid rollup_interval %q: %w", *c.RollupInterval, err)
		}
	}
	if c.RollupQueueSize != nil && *c.RollupQueueSize < 1 {
		return fmt.Errorf("rollup_queue_size must be at least 1, got %d", *c.RollupQueueSize)
	}
	return nil
}

// GetZoneSizeMeters returns the zone cell size or the default 100 m.
func (c *EngineConfig) GetZoneSizeMeters() float64 {
	if c.ZoneSizeMeters == nil {
		return 100.0
	}
	return *c.ZoneSizeMeters
}

// GetProximityThresholdMeters returns the merge distance threshold or the
// default 4 m.
func (c *EngineConfig) GetProximityThresholdMeters() float64 {
	if c.ProximityThresholdMeters == nil {
		return 4.0
	}
	return *c.ProximityThresholdMeters
}

// GetMergeMode returns the candidate discovery mode, default zone bucketing.
func (c *EngineConfig) GetMergeMode() string {
	if c.MergeMode == nil {
		return MergeModeZone
	}
	return *c.MergeMode
}

// GetMergeStrategy returns the within-threshold selection policy, default
// first-match.
func (c *EngineConfig) GetMergeStrategy() string {
	if c.MergeStrategy == nil {
		return MergeStrategyFirstMatch
	}
	return *c.MergeStrategy
}

// GetBuildingProximityMeters returns the building-mode horizontal tolerance
// or the default 5 m.
func (c *EngineConfig) GetBuildingProximityMeters() float64 {
	if c.BuildingProximityMeters == nil {
		return 5.0
	}
	return *c.BuildingProximityMeters
}

// GetBuildingHeightTolerance returns the building-mode vertical tolerance or
// the default 1 m.
func (c *EngineConfig) GetBuildingHeightTolerance() float64 {
	if c.BuildingHeightTolerance == nil {
		return 1.0
	}
	return *c.BuildingHeightTolerance
}

// GetBuildingLookupRadius returns the reverse building lookup radius or the
// default 30 m.
func (c *EngineConfig) GetBuildingLookupRadius() float64 {
	if c.BuildingLookupRadius == nil {
		return 30.0
	}
	return *c.BuildingLookupRadius
}

// GetMaxPageSize returns the listing page-size cap or the default 200.
func (c *EngineConfig) GetMaxPageSize() int {
	if c.MaxPageSize == nil {
		return 200
	}
	return *c.MaxPageSize
}

// GetDefaultPageSize returns the listing page size used when the caller does
// not supply one, default 100.
func (c *EngineConfig) GetDefaultPageSize() int {
	if c.DefaultPageSize == nil {
		return 100
	}
	return *c.DefaultPageSize
}

// GetGeohashPrecision returns the decimal precision of the geohash input
// text, default 6 (~0.1 m of coordinate text resolution).
func (c *EngineConfig) GetGeohashPrecision() int {
	if c.GeohashPrecision == nil {
		return 6
	}
	return *c.GeohashPrecision
}

// GetRollupInterval parses and returns the rollup worker drain interval,
// default 30 s.
func (c *EngineConfig) GetRollupInterval() time.Duration {
	if c.RollupInterval == nil || *c.RollupInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.RollupInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetRollupQueueSize returns the rollup queue capacity, default 256.
func (c *EngineConfig) GetRollupQueueSize() int {
	if c.RollupQueueSize == nil {
		return 256
	}
	return *c.RollupQueueSize
}
