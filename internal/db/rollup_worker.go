package db

import (
	"context"
	"time"

	"github.com/Maciek28675/wifi-scout-backend/internal/metrics"
	"github.com/Maciek28675/wifi-scout-backend/internal/monitoring"
)

// RollupWorker recomputes zone statistics off the write path. The ingestion
// path enqueues a zone id after every successful write and returns
// immediately; the worker dequeues and runs the full recompute. Rollup
// failures are logged and swallowed so they never fail the originating
// write, and the periodic sweep retries any zone whose rollup failed.
type RollupWorker struct {
	DB       *DB
	Interval time.Duration // retry sweep cadence for failed zones
	StopChan chan struct{}

	queue  chan string
	failed map[string]struct{}
}

// NewRollupWorker builds a worker with the queue size and sweep interval
// from the store's engine config.
func NewRollupWorker(db *DB) *RollupWorker {
	cfg := db.Config()
	return &RollupWorker{
		DB:       db,
		Interval: cfg.GetRollupInterval(),
		StopChan: make(chan struct{}),
		queue:    make(chan string, cfg.GetRollupQueueSize()),
		failed:   make(map[string]struct{}),
	}
}

// Enqueue requests a rollup for zoneID without blocking. When the queue is
// full the request is dropped; the zone is picked up again on the next
// successful write or retry sweep.
func (w *RollupWorker) Enqueue(zoneID string) {
	select {
	case w.queue <- zoneID:
	default:
		metrics.RollupQueueDropsTotal.Inc()
		monitoring.Logf("rollup queue full, dropping zone %s", zoneID)
	}
}

// Start runs the worker loop in a goroutine until Stop is called.
func (w *RollupWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case zoneID := <-w.queue:
				w.runOne(zoneID)
			case <-ticker.C:
				w.retryFailed()
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop. Queued rollups are abandoned; the next
// write to those zones re-enqueues them.
func (w *RollupWorker) Stop() {
	close(w.StopChan)
}

func (w *RollupWorker) runOne(zoneID string) {
	if err := w.DB.UpdateZoneStatistics(context.Background(), zoneID); err != nil {
		metrics.RollupRunsTotal.WithLabelValues("error").Inc()
		monitoring.Logf("zone rollup failed for %s: %v", zoneID, err)
		w.failed[zoneID] = struct{}{}
		return
	}
	metrics.RollupRunsTotal.WithLabelValues("ok").Inc()
	delete(w.failed, zoneID)
}

func (w *RollupWorker) retryFailed() {
	for zoneID := range w.failed {
		w.runOne(zoneID)
	}
}
