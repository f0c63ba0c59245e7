package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Maciek28675/wifi-scout-backend/internal/db"
	"github.com/Maciek28675/wifi-scout-backend/internal/httputil"
	"github.com/Maciek28675/wifi-scout-backend/internal/metrics"
	"github.com/Maciek28675/wifi-scout-backend/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Unit conversion functions
// Database stores speeds in Mbps (megabits per second)
func convertSpeed(speedMbps float64, targetUnits string) float64 {
	switch targetUnits {
	case "kbps":
		return speedMbps * 1000
	case "mbps":
		return speedMbps
	default:
		return speedMbps // default to Mbps if unknown unit
	}
}

func convertSpeedPtr(speed *float64, targetUnits string) *float64 {
	if speed == nil {
		return nil
	}
	v := convertSpeed(*speed, targetUnits)
	return &v
}

type Server struct {
	db        *db.DB
	units     string
	jwtSecret []byte
}

func NewServer(database *db.DB, units string, jwtSecret []byte) *Server {
	return &Server{
		db:        database,
		units:     units,
		jwtSecret: jwtSecret,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs request id, method, path, query, status, and
// duration, and feeds the per-route latency histogram.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		elapsed := float64(time.Since(start).Nanoseconds()) / 1e6
		// Label with the matched route pattern, not the raw path: path ids
		// would make the label set unbounded. ServeMux fills r.Pattern in
		// place, so it is readable here after the handler returns.
		route := r.Pattern
		if route == "" {
			route = r.Method + " unmatched"
		}
		metrics.RequestDurationMs.WithLabelValues(route).Observe(elapsed)
		log.Printf(
			"[%s] %s %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), reqID[:8], r.Method,
			colorCyan, r.RequestURI, colorReset,
			elapsed,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/measurements", s.createMeasurement)
	mux.HandleFunc("GET /api/measurements", s.listMeasurements)
	mux.HandleFunc("GET /api/measurements/{id}", s.getMeasurement)
	mux.HandleFunc("PUT /api/measurements/{id}", s.updateMeasurement)
	mux.HandleFunc("DELETE /api/measurements/{id}", s.deleteMeasurement)

	mux.HandleFunc("GET /api/aggregates/{id}", s.getAggregate)

	mux.HandleFunc("GET /api/zones/{zone_id}", s.getZone)
	mux.HandleFunc("POST /api/zones/{zone_id}/rollup", s.triggerZoneRollup)

	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("POST /api/auth/login", s.login)

	mux.HandleFunc("GET /api/posts", s.listPosts)
	mux.HandleFunc("GET /api/posts/{id}", s.getPost)
	mux.Handle("POST /api/posts", s.requireAuth(s.createPost))
	mux.Handle("DELETE /api/posts/{id}", s.requireAuth(s.deletePost))
	mux.Handle("POST /api/posts/{id}/vote", s.requireAuth(s.votePost))

	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/", s.homeHandler)

	return mux
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "wifi-scout %s\n", version.Version)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.db.Config()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":                      s.units,
		"zone_size_meters":           cfg.GetZoneSizeMeters(),
		"proximity_threshold_meters": cfg.GetProximityThresholdMeters(),
		"merge_mode":                 cfg.GetMergeMode(),
		"merge_strategy":             cfg.GetMergeStrategy(),
		"max_page_size":              cfg.GetMaxPageSize(),
		"version":                    version.Version,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}
