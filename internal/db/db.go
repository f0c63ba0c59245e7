// Package db implements the measurement store and the spatial
// deduplication/aggregation engine on SQLite.
package db

import (
	"compress/gzip"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/Maciek28675/wifi-scout-backend/internal/building"
	"github.com/Maciek28675/wifi-scout-backend/internal/config"
)

// Sentinel errors returned by store operations. Callers map these onto their
// own error surfaces (the HTTP layer maps them to 400/404).
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

// schema.sql holds the base table definitions for users, measurements,
// aggregates, zones and the forum. Incremental changes live under
// migrations/ and are applied with golang-migrate.
//
//go:embed schema.sql
var schemaSQL string

type DB struct {
	*sql.DB

	cfg          *config.EngineConfig
	findBuilding building.LookupFunc

	// zoneLocks serializes merge-decision + mutation per spatial
	// neighbourhood key so two near-simultaneous samples for the same new
	// point cannot race into duplicate aggregates.
	mu        sync.Mutex
	zoneLocks map[string]*sync.Mutex

	// onRollup, when set, is called after a successful measurement write
	// with the affected zone id. Must not block.
	onRollup func(zoneID string)
}

// NewDB opens (creating if necessary) the SQLite store at path and applies
// the base schema. A nil cfg uses the built-in engine defaults.
func NewDB(path string, cfg *config.EngineConfig) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single logical writer; SQLite serializes the rest.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply base schema: %w", err)
	}

	return &DB{
		DB:        sqlDB,
		cfg:       cfg,
		zoneLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Config returns the engine configuration the store was opened with.
func (db *DB) Config() *config.EngineConfig { return db.cfg }

// SetBuildingLookup installs the reverse building lookup used during
// ingestion. A nil lookup disables building resolution.
func (db *DB) SetBuildingLookup(fn building.LookupFunc) { db.findBuilding = fn }

// SetRollupNotifier installs the hook invoked with a zone id after every
// successful measurement write. Used to enqueue asynchronous zone rollups.
func (db *DB) SetRollupNotifier(fn func(zoneID string)) { db.onRollup = fn }

func (db *DB) notifyRollup(zoneID string) {
	if db.onRollup != nil {
		db.onRollup(zoneID)
	}
}

// lockZone returns the held mutex for the given neighbourhood key. The caller
// must Unlock it.
func (db *DB) lockZone(key string) *sync.Mutex {
	db.mu.Lock()
	l, ok := db.zoneLocks[key]
	if !ok {
		l = &sync.Mutex{}
		db.zoneLocks[key] = l
	}
	db.mu.Unlock()
	l.Lock()
	return l
}

// AttachAdminRoutes mounts the live-SQL console and backup download under
// the debug handler. Reachable only in dev mode or over the tailnet.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux, dbPath string) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+dbPath, db.DB, &tailsql.DBOptions{
		Label: "Measurement DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
