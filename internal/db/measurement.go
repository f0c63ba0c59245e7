package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Maciek28675/wifi-scout-backend/internal/geo"
	"github.com/Maciek28675/wifi-scout-backend/internal/metrics"
	"github.com/Maciek28675/wifi-scout-backend/internal/quality"
)

// Sample is one incoming network-quality observation. It is never persisted
// standalone; ingestion folds it into an aggregate and records a measurement
// row linked to that aggregate.
type Sample struct {
	UserID        *int64     `json:"user_id,omitempty"`
	Latitude      *float64   `json:"latitude"`
	Longitude     *float64   `json:"longitude"`
	Height        *float64   `json:"height,omitempty"`
	DownloadSpeed *float64   `json:"download_speed,omitempty"`
	UploadSpeed   *float64   `json:"upload_speed,omitempty"`
	Ping          *int64     `json:"ping,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// Measurement is a persisted observation. Color carries the per-sample
// download-only classification; the richer weighted color lives on the
// owning aggregate.
type Measurement struct {
	ID            int64     `json:"id"`
	UserID        *int64    `json:"user_id,omitempty"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Height        *float64  `json:"height,omitempty"`
	DownloadSpeed *float64  `json:"download_speed"`
	UploadSpeed   *float64  `json:"upload_speed"`
	Ping          *int64    `json:"ping"`
	Timestamp     time.Time `json:"timestamp"`
	Color         string    `json:"color"`
	ZoneID        string    `json:"zone_id"`
	Geohash       string    `json:"geohash"`
	AggregateID   int64     `json:"aggregate_id"`
}

func validateSample(s *Sample) error {
	if s.Latitude == nil || s.Longitude == nil {
		return fmt.Errorf("%w: latitude and longitude are required", ErrValidation)
	}
	if *s.Latitude < -90 || *s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %f out of range [-90, 90]", ErrValidation, *s.Latitude)
	}
	if *s.Longitude < -180 || *s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %f out of range [-180, 180]", ErrValidation, *s.Longitude)
	}
	if s.Height != nil && *s.Height < 0 {
		return fmt.Errorf("%w: height must be non-negative", ErrValidation)
	}
	if s.DownloadSpeed != nil && *s.DownloadSpeed < 0 {
		return fmt.Errorf("%w: download_speed must be non-negative", ErrValidation)
	}
	if s.UploadSpeed != nil && *s.UploadSpeed < 0 {
		return fmt.Errorf("%w: upload_speed must be non-negative", ErrValidation)
	}
	if s.Ping != nil && *s.Ping <= 0 {
		return fmt.Errorf("%w: ping must be positive", ErrValidation)
	}
	return nil
}

// CreateMeasurement validates and ingests one sample: the sample is folded
// into (or creates) the aggregate for its spatial neighbourhood and recorded
// as a measurement row, all in a single transaction. Returns the stored
// measurement and the post-merge aggregate. A zone rollup is enqueued after
// commit; rollup failures never surface here.
func (db *DB) CreateMeasurement(ctx context.Context, s *Sample) (*Measurement, *Aggregate, error) {
	if err := validateSample(s); err != nil {
		metrics.SamplesRejectedTotal.Inc()
		return nil, nil, err
	}

	ts := time.Now().UTC()
	if s.Timestamp != nil {
		ts = s.Timestamp.UTC()
	}

	lat, lon := *s.Latitude, *s.Longitude
	zoneID := geo.ZoneID(lat, lon, db.cfg.GetZoneSizeMeters())
	gh := geo.Geohash(lat, lon, db.cfg.GetGeohashPrecision())
	buildingName := db.resolveBuilding(lat, lon)

	lock := db.lockZone(db.mergeLockKey(zoneID, buildingName))
	defer lock.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agg, _, err := db.findOrCreateAggregateTx(ctx, tx, zoneID, gh, buildingName, s, ts)
	if err != nil {
		return nil, nil, err
	}

	m := &Measurement{
		UserID:        s.UserID,
		Latitude:      lat,
		Longitude:     lon,
		Height:        s.Height,
		DownloadSpeed: s.DownloadSpeed,
		UploadSpeed:   s.UploadSpeed,
		Ping:          s.Ping,
		Timestamp:     ts,
		Color:         quality.FallbackColor(s.DownloadSpeed),
		ZoneID:        zoneID,
		Geohash:       gh,
		AggregateID:   agg.ID,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO measurements (
			user_id, latitude, longitude, height,
			download_speed, upload_speed, ping,
			timestamp, color, zone_id, geohash, aggregate_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt(m.UserID), m.Latitude, m.Longitude, nullFloat(m.Height),
		nullFloat(m.DownloadSpeed), nullFloat(m.UploadSpeed), nullInt(m.Ping),
		m.Timestamp, m.Color, m.ZoneID, m.Geohash, m.AggregateID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert measurement: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get measurement id: %w", err)
	}
	m.ID = id

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit measurement: %w", err)
	}

	metrics.SamplesIngestedTotal.Inc()
	db.notifyRollup(zoneID)
	return m, agg, nil
}

const measurementColumns = `id, user_id, latitude, longitude, height,
	download_speed, upload_speed, ping, timestamp, color, zone_id, geohash, aggregate_id`

func scanMeasurement(row rowScanner) (*Measurement, error) {
	var m Measurement
	var userID, ping, aggregateID sql.NullInt64
	var height, download, upload sql.NullFloat64
	var geohash sql.NullString

	err := row.Scan(
		&m.ID, &userID, &m.Latitude, &m.Longitude, &height,
		&download, &upload, &ping, &m.Timestamp, &m.Color,
		&m.ZoneID, &geohash, &aggregateID,
	)
	if err != nil {
		return nil, err
	}
	m.UserID = nullableInt(userID)
	m.Height = nullableFloat(height)
	m.DownloadSpeed = nullableFloat(download)
	m.UploadSpeed = nullableFloat(upload)
	m.Ping = nullableInt(ping)
	if geohash.Valid {
		m.Geohash = geohash.String
	}
	if aggregateID.Valid {
		m.AggregateID = aggregateID.Int64
	}
	return &m, nil
}

// GetMeasurement retrieves one measurement by id.
func (db *DB) GetMeasurement(ctx context.Context, id int64) (*Measurement, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+measurementColumns+` FROM measurements WHERE id = ?`, id)
	m, err := scanMeasurement(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("measurement %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load measurement %d: %w", id, err)
	}
	return m, nil
}

func getMeasurementTx(ctx context.Context, tx *sql.Tx, id int64) (*Measurement, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+measurementColumns+` FROM measurements WHERE id = ?`, id)
	m, err := scanMeasurement(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("measurement %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load measurement %d: %w", id, err)
	}
	return m, nil
}

// measurementZone resolves the lock key for a measurement write. The zone id
// never changes after ingestion, so it is safe to read before taking the
// zone lock; the full row is re-read inside the lock and transaction.
func (db *DB) measurementZone(ctx context.Context, id int64) (string, error) {
	var zoneID string
	err := db.QueryRowContext(ctx,
		`SELECT zone_id FROM measurements WHERE id = ?`, id).Scan(&zoneID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("measurement %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load measurement %d: %w", id, err)
	}
	return zoneID, nil
}

// NearFilter selects measurements within RadiusKM of a centre point, sorted
// by ascending distance before pagination applies.
type NearFilter struct {
	Lat      float64
	Lon      float64
	RadiusKM float64
}

// ListFilters narrows and pages a measurement listing. At most one of
// ZoneID, Building and Near may be set.
type ListFilters struct {
	ZoneID   string
	Building string
	Near     *NearFilter
	Skip     int
	Limit    int
}

func (db *DB) validateFilters(f *ListFilters) error {
	set := 0
	if f.ZoneID != "" {
		set++
	}
	if f.Building != "" {
		set++
	}
	if f.Near != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: zone_id, building and near filters are mutually exclusive", ErrValidation)
	}
	if f.Skip < 0 {
		return fmt.Errorf("%w: skip must be non-negative", ErrValidation)
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: limit must be non-negative", ErrValidation)
	}
	if max := db.cfg.GetMaxPageSize(); f.Limit > max {
		return fmt.Errorf("%w: limit %d exceeds maximum %d", ErrValidation, f.Limit, max)
	}
	if f.Limit == 0 {
		f.Limit = db.cfg.GetDefaultPageSize()
	}
	if f.Near != nil && f.Near.RadiusKM <= 0 {
		return fmt.Errorf("%w: radius_km must be positive", ErrValidation)
	}
	return nil
}

// ListMeasurements returns measurements matching the filters, newest first
// (nearest first for the near filter).
func (db *DB) ListMeasurements(ctx context.Context, f ListFilters) ([]*Measurement, error) {
	if err := db.validateFilters(&f); err != nil {
		return nil, err
	}

	if f.Near != nil {
		return db.listNear(ctx, f)
	}

	query := `SELECT ` + measurementColumns + ` FROM measurements`
	args := []interface{}{}
	switch {
	case f.ZoneID != "":
		query += ` WHERE zone_id = ?`
		args = append(args, f.ZoneID)
	case f.Building != "":
		query += ` WHERE aggregate_id IN (SELECT id FROM measurement_aggregates WHERE building_name = ?)`
		args = append(args, f.Building)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Skip)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	var out []*Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate measurements: %w", err)
	}
	return out, nil
}

// listNear pre-filters with a bounding box in SQL, then distance-checks and
// sorts ascending before applying skip/limit.
func (db *DB) listNear(ctx context.Context, f ListFilters) ([]*Measurement, error) {
	n := f.Near
	radiusMeters := n.RadiusKM * 1000

	latMargin := radiusMeters / geo.MetersPerDegreeLat
	lonMargin := radiusMeters / (geo.MetersPerDegreeLat * math.Cos(n.Lat*math.Pi/180))
	lonMargin = math.Abs(lonMargin)

	rows, err := db.QueryContext(ctx, `
		SELECT `+measurementColumns+` FROM measurements
		WHERE latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?`,
		n.Lat-latMargin, n.Lat+latMargin, n.Lon-lonMargin, n.Lon+lonMargin,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby measurements: %w", err)
	}
	defer rows.Close()

	type withDist struct {
		m *Measurement
		d float64
	}
	var candidates []withDist
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		d := geo.Haversine(n.Lat, n.Lon, m.Latitude, m.Longitude)
		if d <= radiusMeters {
			candidates = append(candidates, withDist{m, d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nearby measurements: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].d < candidates[j].d })

	if f.Skip >= len(candidates) {
		return nil, nil
	}
	candidates = candidates[f.Skip:]
	if len(candidates) > f.Limit {
		candidates = candidates[:f.Limit]
	}
	out := make([]*Measurement, len(candidates))
	for i, c := range candidates {
		out[i] = c.m
	}
	return out, nil
}

// MeasurementPatch is a partial update; nil fields are left unchanged.
type MeasurementPatch struct {
	Latitude      *float64   `json:"latitude,omitempty"`
	Longitude     *float64   `json:"longitude,omitempty"`
	Height        *float64   `json:"height,omitempty"`
	DownloadSpeed *float64   `json:"download_speed,omitempty"`
	UploadSpeed   *float64   `json:"upload_speed,omitempty"`
	Ping          *int64     `json:"ping,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

func (p *MeasurementPatch) validate() error {
	if p.Latitude != nil && (*p.Latitude < -90 || *p.Latitude > 90) {
		return fmt.Errorf("%w: latitude out of range [-90, 90]", ErrValidation)
	}
	if p.Longitude != nil && (*p.Longitude < -180 || *p.Longitude > 180) {
		return fmt.Errorf("%w: longitude out of range [-180, 180]", ErrValidation)
	}
	if p.Height != nil && *p.Height < 0 {
		return fmt.Errorf("%w: height must be non-negative", ErrValidation)
	}
	if p.DownloadSpeed != nil && *p.DownloadSpeed < 0 {
		return fmt.Errorf("%w: download_speed must be non-negative", ErrValidation)
	}
	if p.UploadSpeed != nil && *p.UploadSpeed < 0 {
		return fmt.Errorf("%w: upload_speed must be non-negative", ErrValidation)
	}
	if p.Ping != nil && *p.Ping <= 0 {
		return fmt.Errorf("%w: ping must be positive", ErrValidation)
	}
	return nil
}

// UpdateMeasurement applies a partial update. Metric changes are pushed
// through to the owning aggregate (old value subtracted, new value added,
// derived stats and color recomputed) in the same transaction. Coordinate
// changes update the row only; the measurement stays in its aggregate.
func (db *DB) UpdateMeasurement(ctx context.Context, id int64, p *MeasurementPatch) (*Measurement, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	zoneID, err := db.measurementZone(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := db.lockZone(zoneID)
	defer lock.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-read under the lock: a concurrent writer may have changed the
	// metric values since the lock key was resolved.
	m, err := getMeasurementTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	metricsTouched := p.DownloadSpeed != nil || p.UploadSpeed != nil || p.Ping != nil

	if metricsTouched && m.AggregateID != 0 {
		agg, err := loadAggregateTx(ctx, tx, m.AggregateID)
		if err != nil {
			return nil, err
		}

		if p.DownloadSpeed != nil {
			if m.DownloadSpeed != nil {
				agg.DownloadSpeedSum -= *m.DownloadSpeed
			}
			agg.DownloadSpeedSum += *p.DownloadSpeed
		}
		if p.UploadSpeed != nil {
			if m.UploadSpeed != nil {
				agg.UploadSpeedSum -= *m.UploadSpeed
			}
			agg.UploadSpeedSum += *p.UploadSpeed
		}
		if p.Ping != nil {
			if m.Ping != nil {
				agg.PingSum -= *m.Ping
			}
			agg.PingSum += *p.Ping
		}

		applyPatch(m, p)

		if err := refreshAggregateExtremaTx(ctx, tx, agg, m, m.ID); err != nil {
			return nil, err
		}
		agg.recompute()
		if err := updateAggregateTx(ctx, tx, agg); err != nil {
			return nil, err
		}
	} else {
		applyPatch(m, p)
	}

	// Speed updates must never leave a stale color behind.
	m.Color = quality.FallbackColor(m.DownloadSpeed)

	_, err = tx.ExecContext(ctx, `
		UPDATE measurements SET
			latitude = ?, longitude = ?, height = ?,
			download_speed = ?, upload_speed = ?, ping = ?,
			timestamp = ?, color = ?
		WHERE id = ?`,
		m.Latitude, m.Longitude, nullFloat(m.Height),
		nullFloat(m.DownloadSpeed), nullFloat(m.UploadSpeed), nullInt(m.Ping),
		m.Timestamp, m.Color, m.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update measurement %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit measurement update: %w", err)
	}
	db.notifyRollup(m.ZoneID)
	return m, nil
}

func applyPatch(m *Measurement, p *MeasurementPatch) {
	if p.Latitude != nil {
		m.Latitude = *p.Latitude
	}
	if p.Longitude != nil {
		m.Longitude = *p.Longitude
	}
	if p.Height != nil {
		m.Height = p.Height
	}
	if p.DownloadSpeed != nil {
		m.DownloadSpeed = p.DownloadSpeed
	}
	if p.UploadSpeed != nil {
		m.UploadSpeed = p.UploadSpeed
	}
	if p.Ping != nil {
		m.Ping = p.Ping
	}
	if p.Timestamp != nil {
		ts := p.Timestamp.UTC()
		m.Timestamp = ts
	}
}

// DeleteMeasurement removes one constituent observation. While other
// constituents remain the aggregate is decremented (sums, count, derived
// stats, color) rather than deleted; removing the last constituent deletes
// the aggregate record entirely.
func (db *DB) DeleteMeasurement(ctx context.Context, id int64) error {
	zoneID, err := db.measurementZone(ctx, id)
	if err != nil {
		return err
	}

	lock := db.lockZone(zoneID)
	defer lock.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := getMeasurementTx(ctx, tx, id)
	if err != nil {
		return err
	}

	if m.AggregateID != 0 {
		agg, err := loadAggregateTx(ctx, tx, m.AggregateID)
		if err != nil {
			return err
		}

		if agg.MeasurementCount <= 1 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM measurement_aggregates WHERE id = ?`, agg.ID); err != nil {
				return fmt.Errorf("failed to delete aggregate %d: %w", agg.ID, err)
			}
		} else {
			agg.MeasurementCount--
			if m.DownloadSpeed != nil {
				agg.DownloadSpeedSum -= *m.DownloadSpeed
			}
			if m.UploadSpeed != nil {
				agg.UploadSpeedSum -= *m.UploadSpeed
			}
			if m.Ping != nil {
				agg.PingSum -= *m.Ping
			}
			if err := refreshAggregateExtremaTx(ctx, tx, agg, nil, m.ID); err != nil {
				return err
			}
			agg.recompute()
			if err := updateAggregateTx(ctx, tx, agg); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete measurement %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit measurement delete: %w", err)
	}
	db.notifyRollup(m.ZoneID)
	return nil
}

func loadAggregateTx(ctx context.Context, tx *sql.Tx, id int64) (*Aggregate, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+` FROM measurement_aggregates WHERE id = ?`, id)
	a, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("aggregate %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate %d: %w", id, err)
	}
	return a, nil
}
