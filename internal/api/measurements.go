package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Maciek28675/wifi-scout-backend/internal/db"
	"github.com/Maciek28675/wifi-scout-backend/internal/httputil"
)

// writeStoreError maps store errors onto HTTP statuses: validation failures
// are the client's fault, missing rows are 404, anything else is a 500 with
// the detail kept out of the response body.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrValidation):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, db.ErrNotFound):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, "internal error")
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// measurementResponse pairs the stored measurement with its post-merge
// aggregate so clients can render the updated map pin in one round trip.
type measurementResponse struct {
	Measurement *db.Measurement `json:"measurement"`
	Aggregate   *db.Aggregate   `json:"aggregate"`
	Merged      bool            `json:"merged"`
}

func (s *Server) convertMeasurement(m *db.Measurement) *db.Measurement {
	if s.units == "mbps" {
		return m
	}
	out := *m
	out.DownloadSpeed = convertSpeedPtr(m.DownloadSpeed, s.units)
	out.UploadSpeed = convertSpeedPtr(m.UploadSpeed, s.units)
	return &out
}

func (s *Server) convertAggregate(a *db.Aggregate) *db.Aggregate {
	if s.units == "mbps" {
		return a
	}
	out := *a
	out.DownloadSpeedSum = convertSpeed(a.DownloadSpeedSum, s.units)
	out.DownloadSpeedAvg = convertSpeedPtr(a.DownloadSpeedAvg, s.units)
	out.DownloadSpeedMin = convertSpeedPtr(a.DownloadSpeedMin, s.units)
	out.DownloadSpeedMax = convertSpeedPtr(a.DownloadSpeedMax, s.units)
	out.UploadSpeedSum = convertSpeed(a.UploadSpeedSum, s.units)
	out.UploadSpeedAvg = convertSpeedPtr(a.UploadSpeedAvg, s.units)
	out.UploadSpeedMin = convertSpeedPtr(a.UploadSpeedMin, s.units)
	out.UploadSpeedMax = convertSpeedPtr(a.UploadSpeedMax, s.units)
	return &out
}

func (s *Server) createMeasurement(w http.ResponseWriter, r *http.Request) {
	var sample db.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	m, a, err := s.db.CreateMeasurement(r.Context(), &sample)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, measurementResponse{
		Measurement: s.convertMeasurement(m),
		Aggregate:   s.convertAggregate(a),
		Merged:      a.MeasurementCount > 1,
	})
}

func (s *Server) getMeasurement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.BadRequest(w, "invalid measurement id")
		return
	}
	m, err := s.db.GetMeasurement(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.convertMeasurement(m))
}

func (s *Server) listMeasurements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f db.ListFilters

	f.ZoneID = q.Get("zone_id")
	f.Building = q.Get("building")
	if q.Get("near_lat") != "" || q.Get("near_lon") != "" {
		lat, errLat := strconv.ParseFloat(q.Get("near_lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("near_lon"), 64)
		if errLat != nil || errLon != nil {
			httputil.BadRequest(w, "near_lat and near_lon must both be valid numbers")
			return
		}
		radius := 1.0
		if v := q.Get("radius_km"); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil || parsed <= 0 {
				httputil.BadRequest(w, "radius_km must be a positive number")
				return
			}
			radius = parsed
		}
		f.Near = &db.NearFilter{Lat: lat, Lon: lon, RadiusKM: radius}
	}
	if v := q.Get("skip"); v != "" {
		skip, err := strconv.Atoi(v)
		if err != nil || skip < 0 {
			httputil.BadRequest(w, "skip must be a non-negative integer")
			return
		}
		f.Skip = skip
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	ms, err := s.db.ListMeasurements(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]*db.Measurement, len(ms))
	for i, m := range ms {
		out[i] = s.convertMeasurement(m)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) updateMeasurement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.BadRequest(w, "invalid measurement id")
		return
	}
	var patch db.MeasurementPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	m, err := s.db.UpdateMeasurement(r.Context(), id, &patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.convertMeasurement(m))
}

func (s *Server) deleteMeasurement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.BadRequest(w, "invalid measurement id")
		return
	}
	if err := s.db.DeleteMeasurement(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAggregate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.BadRequest(w, "invalid aggregate id")
		return
	}
	a, err := s.db.GetAggregate(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.convertAggregate(a))
}
