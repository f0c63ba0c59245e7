package api

import (
	"net/http"

	"github.com/Maciek28675/wifi-scout-backend/internal/db"
	"github.com/Maciek28675/wifi-scout-backend/internal/httputil"
)

func (s *Server) convertZone(z *db.Zone) *db.Zone {
	if s.units == "mbps" {
		return z
	}
	out := *z
	out.ZoneAvgDownload = convertSpeedPtr(z.ZoneAvgDownload, s.units)
	out.ZoneAvgUpload = convertSpeedPtr(z.ZoneAvgUpload, s.units)
	out.P50Download = convertSpeedPtr(z.P50Download, s.units)
	out.P85Download = convertSpeedPtr(z.P85Download, s.units)
	return &out
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request) {
	zoneID := r.PathValue("zone_id")
	z, err := s.db.GetZone(r.Context(), zoneID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.convertZone(z))
}

// triggerZoneRollup runs a synchronous recompute of one zone. The background
// worker covers the steady state; this endpoint exists for operators who want
// fresh numbers now.
func (s *Server) triggerZoneRollup(w http.ResponseWriter, r *http.Request) {
	zoneID := r.PathValue("zone_id")
	if err := s.db.UpdateZoneStatistics(r.Context(), zoneID); err != nil {
		writeStoreError(w, err)
		return
	}
	z, err := s.db.GetZone(r.Context(), zoneID)
	if err != nil {
		// Rolling up an empty zone is a no-op; report that rather than 404.
		httputil.WriteJSONOK(w, map[string]string{"status": "empty", "zone_id": zoneID})
		return
	}
	httputil.WriteJSONOK(w, s.convertZone(z))
}
