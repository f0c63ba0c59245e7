package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Zone carries rollup statistics for one spatial bucket, derived read-only
// from its member measurements and aggregates.
type Zone struct {
	ZoneID       string  `json:"zone_id"`
	MinLatitude  float64 `json:"min_latitude"`
	MaxLatitude  float64 `json:"max_latitude"`
	MinLongitude float64 `json:"min_longitude"`
	MaxLongitude float64 `json:"max_longitude"`

	TotalMeasurements           int64   `json:"total_measurements"`
	TotalAggregates             int64   `json:"total_aggregates"`
	AvgMeasurementsPerAggregate float64 `json:"avg_measurements_per_aggregate"`

	ZoneAvgDownload *float64 `json:"zone_avg_download"`
	ZoneAvgUpload   *float64 `json:"zone_avg_upload"`
	ZoneAvgPing     *float64 `json:"zone_avg_ping"`
	P50Download     *float64 `json:"p50_download"`
	P85Download     *float64 `json:"p85_download"`

	FirstMeasurement *time.Time `json:"first_measurement"`
	LastMeasurement  *time.Time `json:"last_measurement"`
}

// GetZone retrieves one zone's rollup record.
func (db *DB) GetZone(ctx context.Context, zoneID string) (*Zone, error) {
	var z Zone
	var avgDL, avgUL, avgPing, p50, p85 sql.NullFloat64
	var first, last sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT zone_id, min_latitude, max_latitude, min_longitude, max_longitude,
			total_measurements, total_aggregates, avg_measurements_per_aggregate,
			zone_avg_download, zone_avg_upload, zone_avg_ping,
			p50_download, p85_download, first_measurement, last_measurement
		FROM measurement_zones WHERE zone_id = ?`, zoneID,
	).Scan(
		&z.ZoneID, &z.MinLatitude, &z.MaxLatitude, &z.MinLongitude, &z.MaxLongitude,
		&z.TotalMeasurements, &z.TotalAggregates, &z.AvgMeasurementsPerAggregate,
		&avgDL, &avgUL, &avgPing, &p50, &p85, &first, &last,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("zone %s: %w", zoneID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load zone %s: %w", zoneID, err)
	}

	z.ZoneAvgDownload = nullableFloat(avgDL)
	z.ZoneAvgUpload = nullableFloat(avgUL)
	z.ZoneAvgPing = nullableFloat(avgPing)
	z.P50Download = nullableFloat(p50)
	z.P85Download = nullableFloat(p85)
	if first.Valid {
		t := first.Time
		z.FirstMeasurement = &t
	}
	if last.Valid {
		t := last.Time
		z.LastMeasurement = &t
	}
	return &z, nil
}

// UpdateZoneStatistics recomputes the whole zone record from its member
// measurements: bounding box, per-metric averages over members that carry
// each metric independently, download percentiles and first/last timestamps.
// A zone with no members is left untouched (existing record neither zeroed
// nor deleted). Runs off the write path; always a full recompute.
func (db *DB) UpdateZoneStatistics(ctx context.Context, zoneID string) error {
	rows, err := db.QueryContext(ctx, `
		SELECT latitude, longitude, download_speed, upload_speed, ping, timestamp
		FROM measurements WHERE zone_id = ?`, zoneID)
	if err != nil {
		return fmt.Errorf("failed to load zone members: %w", err)
	}
	defer rows.Close()

	var (
		count                          int64
		minLat, maxLat, minLon, maxLon float64
		downloads, uploads, pings      []float64
		first, last                    time.Time
	)

	for rows.Next() {
		var lat, lon float64
		var download, upload sql.NullFloat64
		var ping sql.NullInt64
		var ts time.Time
		if err := rows.Scan(&lat, &lon, &download, &upload, &ping, &ts); err != nil {
			return fmt.Errorf("failed to scan zone member: %w", err)
		}

		if count == 0 {
			minLat, maxLat, minLon, maxLon = lat, lat, lon, lon
			first, last = ts, ts
		} else {
			if lat < minLat {
				minLat = lat
			}
			if lat > maxLat {
				maxLat = lat
			}
			if lon < minLon {
				minLon = lon
			}
			if lon > maxLon {
				maxLon = lon
			}
			if ts.Before(first) {
				first = ts
			}
			if ts.After(last) {
				last = ts
			}
		}
		count++

		if download.Valid {
			downloads = append(downloads, download.Float64)
		}
		if upload.Valid {
			uploads = append(uploads, upload.Float64)
		}
		if ping.Valid {
			pings = append(pings, float64(ping.Int64))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate zone members: %w", err)
	}

	if count == 0 {
		// Nothing to roll up; any existing record stays as-is.
		return nil
	}

	var aggregates int64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM measurement_aggregates WHERE zone_id = ?`, zoneID,
	).Scan(&aggregates); err != nil {
		return fmt.Errorf("failed to count zone aggregates: %w", err)
	}

	avgPerAggregate := 0.0
	if aggregates > 0 {
		avgPerAggregate = float64(count) / float64(aggregates)
	}

	avgDL := meanOrNil(downloads)
	avgUL := meanOrNil(uploads)
	avgPing := meanOrNil(pings)

	var p50, p85 *float64
	if len(downloads) > 0 {
		sorted := append([]float64(nil), downloads...)
		sort.Float64s(sorted)
		v50 := stat.Quantile(0.50, stat.Empirical, sorted, nil)
		v85 := stat.Quantile(0.85, stat.Empirical, sorted, nil)
		p50, p85 = &v50, &v85
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO measurement_zones (
			zone_id, min_latitude, max_latitude, min_longitude, max_longitude,
			total_measurements, total_aggregates, avg_measurements_per_aggregate,
			zone_avg_download, zone_avg_upload, zone_avg_ping,
			p50_download, p85_download, first_measurement, last_measurement
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET
			min_latitude = excluded.min_latitude,
			max_latitude = excluded.max_latitude,
			min_longitude = excluded.min_longitude,
			max_longitude = excluded.max_longitude,
			total_measurements = excluded.total_measurements,
			total_aggregates = excluded.total_aggregates,
			avg_measurements_per_aggregate = excluded.avg_measurements_per_aggregate,
			zone_avg_download = excluded.zone_avg_download,
			zone_avg_upload = excluded.zone_avg_upload,
			zone_avg_ping = excluded.zone_avg_ping,
			p50_download = excluded.p50_download,
			p85_download = excluded.p85_download,
			first_measurement = excluded.first_measurement,
			last_measurement = excluded.last_measurement`,
		zoneID, minLat, maxLat, minLon, maxLon,
		count, aggregates, avgPerAggregate,
		nullFloat(avgDL), nullFloat(avgUL), nullFloat(avgPing),
		nullFloat(p50), nullFloat(p85), first, last,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert zone %s: %w", zoneID, err)
	}
	return nil
}

func meanOrNil(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	m := stat.Mean(values, nil)
	return &m
}
