package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/Maciek28675/wifi-scout-backend/internal/config"
	"github.com/Maciek28675/wifi-scout-backend/internal/geo"
	"github.com/Maciek28675/wifi-scout-backend/internal/metrics"
	"github.com/Maciek28675/wifi-scout-backend/internal/quality"
)

// Aggregate is a running accumulation of one or more samples believed to
// originate from the same physical point. The spatial anchor is the first
// sample's coordinates (first-write-wins); averages stay NULL until a real
// value for that metric arrives, even though missing values contribute zero
// to the sums.
type Aggregate struct {
	ID              int64    `json:"id"`
	ZoneID          string   `json:"zone_id"`
	CenterLatitude  float64  `json:"center_latitude"`
	CenterLongitude float64  `json:"center_longitude"`
	CenterHeight    *float64 `json:"center_height,omitempty"`
	Geohash         string   `json:"geohash"`
	BuildingName    *string  `json:"building_name,omitempty"`

	MeasurementCount int64 `json:"measurement_count"`

	DownloadSpeedSum float64  `json:"download_speed_sum"`
	DownloadSpeedAvg *float64 `json:"download_speed"`
	DownloadSpeedMin *float64 `json:"download_speed_min"`
	DownloadSpeedMax *float64 `json:"download_speed_max"`

	UploadSpeedSum float64  `json:"upload_speed_sum"`
	UploadSpeedAvg *float64 `json:"upload_speed"`
	UploadSpeedMin *float64 `json:"upload_speed_min"`
	UploadSpeedMax *float64 `json:"upload_speed_max"`

	PingSum int64  `json:"ping_sum"`
	PingAvg *int64 `json:"ping"`
	PingMin *int64 `json:"ping_min"`
	PingMax *int64 `json:"ping_max"`

	FirstMeasurement time.Time `json:"first_measurement"`
	LastMeasurement  time.Time `json:"last_measurement"`
	Color            string    `json:"color"`
}

// recompute refreshes the derived averages and the color from the running
// sums. The ping average is integer-truncated. An average stays NULL until
// the aggregate has seen at least one real value for that metric (tracked by
// the min column, which is only set on real values).
func (a *Aggregate) recompute() {
	if a.DownloadSpeedMin != nil {
		v := a.DownloadSpeedSum / float64(a.MeasurementCount)
		a.DownloadSpeedAvg = &v
	} else {
		a.DownloadSpeedAvg = nil
	}
	if a.UploadSpeedMin != nil {
		v := a.UploadSpeedSum / float64(a.MeasurementCount)
		a.UploadSpeedAvg = &v
	} else {
		a.UploadSpeedAvg = nil
	}
	if a.PingMin != nil {
		v := a.PingSum / a.MeasurementCount
		a.PingAvg = &v
	} else {
		a.PingAvg = nil
	}

	var pingAvg *float64
	if a.PingAvg != nil {
		f := float64(*a.PingAvg)
		pingAvg = &f
	}
	a.Color = quality.ForAggregate(a.DownloadSpeedAvg, a.UploadSpeedAvg, pingAvg)
}

// fold merges one sample into the running state. Missing metrics add zero to
// the sums but leave min/max (and therefore the average) untouched.
func (a *Aggregate) fold(s *Sample, ts time.Time) {
	a.MeasurementCount++

	if s.DownloadSpeed != nil {
		v := *s.DownloadSpeed
		a.DownloadSpeedSum += v
		if a.DownloadSpeedMin == nil || v < *a.DownloadSpeedMin {
			a.DownloadSpeedMin = &v
		}
		if a.DownloadSpeedMax == nil || v > *a.DownloadSpeedMax {
			a.DownloadSpeedMax = &v
		}
	}
	if s.UploadSpeed != nil {
		v := *s.UploadSpeed
		a.UploadSpeedSum += v
		if a.UploadSpeedMin == nil || v < *a.UploadSpeedMin {
			a.UploadSpeedMin = &v
		}
		if a.UploadSpeedMax == nil || v > *a.UploadSpeedMax {
			a.UploadSpeedMax = &v
		}
	}
	if s.Ping != nil {
		v := *s.Ping
		a.PingSum += v
		if a.PingMin == nil || v < *a.PingMin {
			a.PingMin = &v
		}
		if a.PingMax == nil || v > *a.PingMax {
			a.PingMax = &v
		}
	}

	if ts.Before(a.FirstMeasurement) {
		a.FirstMeasurement = ts
	}
	if ts.After(a.LastMeasurement) {
		a.LastMeasurement = ts
	}

	a.recompute()
}

// newAggregate anchors a fresh aggregate at the sample's coordinates.
func newAggregate(zoneID, geohash string, buildingName *string, s *Sample, ts time.Time) *Aggregate {
	a := &Aggregate{
		ZoneID:           zoneID,
		CenterLatitude:   *s.Latitude,
		CenterLongitude:  *s.Longitude,
		CenterHeight:     s.Height,
		Geohash:          geohash,
		BuildingName:     buildingName,
		MeasurementCount: 0,
		FirstMeasurement: ts,
		LastMeasurement:  ts,
	}
	a.fold(s, ts)
	return a
}

const aggregateColumns = `id, zone_id, center_latitude, center_longitude, center_height,
	geohash, building_name, measurement_count,
	download_speed_sum, download_speed_avg, download_speed_min, download_speed_max,
	upload_speed_sum, upload_speed_avg, upload_speed_min, upload_speed_max,
	ping_sum, ping_avg, ping_min, ping_max,
	first_measurement, last_measurement, color`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAggregate(row rowScanner) (*Aggregate, error) {
	var a Aggregate
	var centerHeight, dlAvg, dlMin, dlMax, ulAvg, ulMin, ulMax sql.NullFloat64
	var pingAvg, pingMin, pingMax sql.NullInt64
	var buildingName sql.NullString

	err := row.Scan(
		&a.ID, &a.ZoneID, &a.CenterLatitude, &a.CenterLongitude, &centerHeight,
		&a.Geohash, &buildingName, &a.MeasurementCount,
		&a.DownloadSpeedSum, &dlAvg, &dlMin, &dlMax,
		&a.UploadSpeedSum, &ulAvg, &ulMin, &ulMax,
		&a.PingSum, &pingAvg, &pingMin, &pingMax,
		&a.FirstMeasurement, &a.LastMeasurement, &a.Color,
	)
	if err != nil {
		return nil, err
	}

	a.CenterHeight = nullableFloat(centerHeight)
	a.BuildingName = nullableString(buildingName)
	a.DownloadSpeedAvg = nullableFloat(dlAvg)
	a.DownloadSpeedMin = nullableFloat(dlMin)
	a.DownloadSpeedMax = nullableFloat(dlMax)
	a.UploadSpeedAvg = nullableFloat(ulAvg)
	a.UploadSpeedMin = nullableFloat(ulMin)
	a.UploadSpeedMax = nullableFloat(ulMax)
	a.PingAvg = nullableInt(pingAvg)
	a.PingMin = nullableInt(pingMin)
	a.PingMax = nullableInt(pingMax)
	return &a, nil
}

// GetAggregate retrieves one aggregate by id.
func (db *DB) GetAggregate(ctx context.Context, id int64) (*Aggregate, error) {
	row := db.QueryRowContext(ctx,
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

// FindOrCreateAggregate is the merge primitive: it buckets the sample,
// scans candidate aggregates in the bucket and folds the sample into the
// first (or nearest, per strategy) candidate within the proximity threshold,
// creating a new aggregate when none matches. Returns the aggregate id.
func (db *DB) FindOrCreateAggregate(ctx context.Context, lat, lon float64, s *Sample) (int64, error) {
	sample := *s
	sample.Latitude = &lat
	sample.Longitude = &lon
	if err := validateSample(&sample); err != nil {
		return 0, err
	}

	ts := time.Now().UTC()
	if sample.Timestamp != nil {
		ts = sample.Timestamp.UTC()
	}

	zoneID := geo.ZoneID(lat, lon, db.cfg.GetZoneSizeMeters())
	gh := geo.Geohash(lat, lon, db.cfg.GetGeohashPrecision())
	buildingName := db.resolveBuilding(lat, lon)

	lock := db.lockZone(db.mergeLockKey(zoneID, buildingName))
	defer lock.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agg, _, err := db.findOrCreateAggregateTx(ctx, tx, zoneID, gh, buildingName, &sample, ts)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit merge: %w", err)
	}
	db.notifyRollup(zoneID)
	return agg.ID, nil
}

func (db *DB) resolveBuilding(lat, lon float64) *string {
	if db.findBuilding == nil {
		return nil
	}
	name, ok := db.findBuilding(lat, lon)
	if !ok {
		return nil
	}
	return &name
}

// mergeLockKey picks the serialization key for a merge decision. Building
// mode locks on the building name so merges for the same building cannot
// race across zone boundaries.
func (db *DB) mergeLockKey(zoneID string, buildingName *string) string {
	if db.cfg.GetMergeMode() == config.MergeModeBuilding && buildingName != nil {
		return "building:" + *buildingName
	}
	return zoneID
}

// findOrCreateAggregateTx runs the merge decision inside the caller's
// transaction and returns the (updated or created) aggregate plus whether an
// existing one was merged into.
func (db *DB) findOrCreateAggregateTx(ctx context.Context, tx *sql.Tx, zoneID, geohash string, buildingName *string, s *Sample, ts time.Time) (*Aggregate, bool, error) {
	target, scanned, err := db.selectMergeTarget(ctx, tx, zoneID, buildingName, s)
	if err != nil {
		return nil, false, err
	}
	metrics.MergeCandidatesScanned.Observe(float64(scanned))

	if target != nil {
		target.fold(s, ts)
		if err := updateAggregateTx(ctx, tx, target); err != nil {
			return nil, false, err
		}
		metrics.AggregateMergesTotal.Inc()
		return target, true, nil
	}

	a := newAggregate(zoneID, geohash, buildingName, s, ts)
	if err := insertAggregateTx(ctx, tx, a); err != nil {
		return nil, false, err
	}
	metrics.AggregateCreatesTotal.Inc()
	return a, false, nil
}

// selectMergeTarget fetches candidate aggregates for the sample's bucket and
// returns the merge target, or nil when the sample starts a new aggregate.
// Candidates are scanned most-recent-first; under the default first-match
// strategy the scan stops at the first candidate within threshold, with no
// global nearest tie-break. The nearest strategy checks every candidate.
func (db *DB) selectMergeTarget(ctx context.Context, tx *sql.Tx, zoneID string, buildingName *string, s *Sample) (*Aggregate, int, error) {
	buildingMode := db.cfg.GetMergeMode() == config.MergeModeBuilding && buildingName != nil

	var rows *sql.Rows
	var err error
	if buildingMode {
		rows, err = tx.QueryContext(ctx,
			`SELECT `+aggregateColumns+` FROM measurement_aggregates
			 WHERE building_name = ? ORDER BY last_measurement DESC`, *buildingName)
	} else {
		rows, err = tx.QueryContext(ctx,
			`SELECT `+aggregateColumns+` FROM measurement_aggregates
			 WHERE zone_id = ? ORDER BY last_measurement DESC`, zoneID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query candidate aggregates: %w", err)
	}
	defer rows.Close()

	threshold := db.cfg.GetProximityThresholdMeters()
	if buildingMode {
		threshold = db.cfg.GetBuildingProximityMeters()
	}
	nearest := db.cfg.GetMergeStrategy() == config.MergeStrategyNearest

	var target *Aggregate
	bestDist := math.Inf(1)
	scanned := 0

	for rows.Next() {
		cand, err := scanAggregate(rows)
		if err != nil {
			return nil, scanned, fmt.Errorf("failed to scan candidate aggregate: %w", err)
		}
		scanned++

		d := geo.Haversine(*s.Latitude, *s.Longitude, cand.CenterLatitude, cand.CenterLongitude)
		if d > threshold {
			continue
		}
		if buildingMode && !heightsWithin(s.Height, cand.CenterHeight, db.cfg.GetBuildingHeightTolerance()) {
			continue
		}

		if !nearest {
			target = cand
			break
		}
		if d < bestDist {
			bestDist = d
			target = cand
		}
	}
	if err := rows.Err(); err != nil {
		return nil, scanned, fmt.Errorf("failed to iterate candidate aggregates: %w", err)
	}
	return target, scanned, nil
}

// heightsWithin reports whether two optional heights are within tolerance.
// An unknown height on either side passes the check.
func heightsWithin(a, b *float64, tolerance float64) bool {
	if a == nil || b == nil {
		return true
	}
	return math.Abs(*a-*b) <= tolerance
}

func insertAggregateTx(ctx context.Context, tx *sql.Tx, a *Aggregate) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO measurement_aggregates (
			zone_id, center_latitude, center_longitude, center_height,
			geohash, building_name, measurement_count,
			download_speed_sum, download_speed_avg, download_speed_min, download_speed_max,
			upload_speed_sum, upload_speed_avg, upload_speed_min, upload_speed_max,
			ping_sum, ping_avg, ping_min, ping_max,
			first_measurement, last_measurement, color
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ZoneID, a.CenterLatitude, a.CenterLongitude, nullFloat(a.CenterHeight),
		a.Geohash, nullString(a.BuildingName), a.MeasurementCount,
		a.DownloadSpeedSum, nullFloat(a.DownloadSpeedAvg), nullFloat(a.DownloadSpeedMin), nullFloat(a.DownloadSpeedMax),
		a.UploadSpeedSum, nullFloat(a.UploadSpeedAvg), nullFloat(a.UploadSpeedMin), nullFloat(a.UploadSpeedMax),
		a.PingSum, nullInt(a.PingAvg), nullInt(a.PingMin), nullInt(a.PingMax),
		a.FirstMeasurement, a.LastMeasurement, a.Color,
	)
	if err != nil {
		return fmt.Errorf("failed to insert aggregate: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get aggregate id: %w", err)
	}
	a.ID = id
	return nil
}

// updateAggregateTx writes the whole running-state tuple in one statement so
// readers never observe partially-updated sums.
func updateAggregateTx(ctx context.Context, tx *sql.Tx, a *Aggregate) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE measurement_aggregates SET
			measurement_count = ?,
			download_speed_sum = ?, download_speed_avg = ?, download_speed_min = ?, download_speed_max = ?,
			upload_speed_sum = ?, upload_speed_avg = ?, upload_speed_min = ?, upload_speed_max = ?,
			ping_sum = ?, ping_avg = ?, ping_min = ?, ping_max = ?,
			first_measurement = ?, last_measurement = ?, color = ?
		WHERE id = ?`,
		a.MeasurementCount,
		a.DownloadSpeedSum, nullFloat(a.DownloadSpeedAvg), nullFloat(a.DownloadSpeedMin), nullFloat(a.DownloadSpeedMax),
		a.UploadSpeedSum, nullFloat(a.UploadSpeedAvg), nullFloat(a.UploadSpeedMin), nullFloat(a.UploadSpeedMax),
		a.PingSum, nullInt(a.PingAvg), nullInt(a.PingMin), nullInt(a.PingMax),
		a.FirstMeasurement, a.LastMeasurement, a.Color,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update aggregate %d: %w", a.ID, err)
	}
	return nil
}

// refreshAggregateExtremaTx recomputes the aggregate's min/max metric values
// and first/last timestamps from its member measurement rows. The row with
// excludeID (0 = none) is skipped; pending, when non-nil, is a member whose
// new values have not been written to the measurements table yet and is
// overlaid on top of the stored rows.
func refreshAggregateExtremaTx(ctx context.Context, tx *sql.Tx, a *Aggregate, pending *Measurement, excludeID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT download_speed, upload_speed, ping, timestamp
		FROM measurements WHERE aggregate_id = ? AND id != ?`, a.ID, excludeID)
	if err != nil {
		return fmt.Errorf("failed to load aggregate members: %w", err)
	}
	defer rows.Close()

	a.DownloadSpeedMin, a.DownloadSpeedMax = nil, nil
	a.UploadSpeedMin, a.UploadSpeedMax = nil, nil
	a.PingMin, a.PingMax = nil, nil
	var first, last *time.Time

	consider := func(download, upload *float64, ping *int64, ts time.Time) {
		if download != nil {
			v := *download
			if a.DownloadSpeedMin == nil || v < *a.DownloadSpeedMin {
				a.DownloadSpeedMin = &v
			}
			if a.DownloadSpeedMax == nil || v > *a.DownloadSpeedMax {
				a.DownloadSpeedMax = &v
			}
		}
		if upload != nil {
			v := *upload
			if a.UploadSpeedMin == nil || v < *a.UploadSpeedMin {
				a.UploadSpeedMin = &v
			}
			if a.UploadSpeedMax == nil || v > *a.UploadSpeedMax {
				a.UploadSpeedMax = &v
			}
		}
		if ping != nil {
			v := *ping
			if a.PingMin == nil || v < *a.PingMin {
				a.PingMin = &v
			}
			if a.PingMax == nil || v > *a.PingMax {
				a.PingMax = &v
			}
		}
		t := ts
		if first == nil || t.Before(*first) {
			first = &t
		}
		if last == nil || t.After(*last) {
			last = &t
		}
	}

	for rows.Next() {
		var download, upload sql.NullFloat64
		var ping sql.NullInt64
		var ts time.Time
		if err := rows.Scan(&download, &upload, &ping, &ts); err != nil {
			return fmt.Errorf("failed to scan aggregate member: %w", err)
		}
		consider(nullableFloat(download), nullableFloat(upload), nullableInt(ping), ts)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate aggregate members: %w", err)
	}

	if pending != nil {
		consider(pending.DownloadSpeed, pending.UploadSpeed, pending.Ping, pending.Timestamp)
	}

	if first != nil {
		a.FirstMeasurement = *first
	}
	if last != nil {
		a.LastMeasurement = *last
	}
	return nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullableFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullableInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullableString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
