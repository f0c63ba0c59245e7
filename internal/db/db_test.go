package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Maciek28675/wifi-scout-backend/internal/config"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	return newTestDBWithConfig(t, config.DefaultEngineConfig())
}

func newTestDBWithConfig(t *testing.T, cfg *config.EngineConfig) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := NewDB(path, cfg)
	if err != nil {
		t.Fatalf("NewDB(%q) failed: %v", path, err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
func str(v string) *string   { return &v }

// sampleAt builds a sample with the standard test metrics at the given point.
func sampleAt(lat, lon float64, dl, ul float64, ping int64) *Sample {
	return &Sample{
		Latitude:      f64(lat),
		Longitude:     f64(lon),
		DownloadSpeed: f64(dl),
		UploadSpeed:   f64(ul),
		Ping:          i64(ping),
	}
}

func TestNewDBCreatesSchema(t *testing.T) {
	database := newTestDB(t)

	tables := []string{"users", "measurement_zones", "measurement_aggregates", "measurements", "posts", "votes"}
	for _, table := range tables {
		var name string
		err := database.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after NewDB: %v", table, err)
		}
	}
}

func TestZoneLockReuse(t *testing.T) {
	database := newTestDB(t)

	l1 := database.lockZone("zone_1_2")
	l1.Unlock()
	l2 := database.lockZone("zone_1_2")
	l2.Unlock()
	if l1 != l2 {
		t.Error("lockZone returned distinct mutexes for the same zone key")
	}

	l3 := database.lockZone("zone_3_4")
	l3.Unlock()
	if l1 == l3 {
		t.Error("lockZone returned the same mutex for distinct zone keys")
	}
}

func TestRollupNotifierFires(t *testing.T) {
	database := newTestDB(t)

	notified := make(chan string, 1)
	database.SetRollupNotifier(func(zoneID string) { notified <- zoneID })

	m, _, err := database.CreateMeasurement(context.Background(), sampleAt(51.107, 17.062, 50, 20, 15))
	if err != nil {
		t.Fatalf("CreateMeasurement failed: %v", err)
	}

	select {
	case zoneID := <-notified:
		if zoneID != m.ZoneID {
			t.Errorf("notifier got zone %q, want %q", zoneID, m.ZoneID)
		}
	case <-time.After(time.Second):
		t.Fatal("rollup notifier was not invoked")
	}
}
