package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/ingest"
	"github.com/example/gig-dispatch/internal/matcher"
	"github.com/example/gig-dispatch/internal/models"
)

const (
	defaultLiveRadiusKm = 5.0
	defaultLiveLimit    = 50
)

type locationRequest struct {
	Lat       *flexFloat `json:"lat"`
	Lng       *flexFloat `json:"lng"`
	Accuracy  flexFloat  `json:"accuracy"`
	Timestamp string     `json:"timestamp"`
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req locationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.writeError(w, r, fmt.Errorf("%w: lat and lng are required", models.ErrInvalidCoordinate))
		return
	}
	at, err := parseTimestamp(req.Timestamp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.ingest.UpdateLocation(r.Context(), id, ingest.LocationInput{
		Lat:        float64(*req.Lat),
		Lng:        float64(*req.Lng),
		Accuracy:   float64(req.Accuracy),
		CapturedAt: at,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"location": pos})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.ingest.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFindWorkers(w http.ResponseWriter, r *http.Request) {
	origin, err := queryPoint(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := matcher.Query{Category: r.URL.Query().Get("category"), Origin: origin}
	radius, err := queryFloat(r, "radiusInKm")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if radius != nil {
		q.RadiusKm = *radius
	}
	if q.RadiusFilter, err = queryBool(r, "filter"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if q.OnlineOnly, err = queryBool(r, "online"); err != nil {
		s.writeError(w, r, err)
		return
	}
	workers, err := s.matcher.FindWorkers(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleLiveNearby(w http.ResponseWriter, r *http.Request) {
	origin, err := queryPoint(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if origin == nil {
		s.writeError(w, r, fmt.Errorf("%w: lat and lng are required", models.ErrInvalidCoordinate))
		return
	}
	if !geo.IsValidCoordinate(origin.Lat, origin.Lng) {
		s.writeError(w, r, fmt.Errorf("%w: lat=%v lng=%v", models.ErrInvalidCoordinate, origin.Lat, origin.Lng))
		return
	}
	radius := defaultLiveRadiusKm
	if v, err := queryFloat(r, "radiusKm"); err != nil {
		s.writeError(w, r, err)
		return
	} else if v != nil {
		if *v <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: radiusKm must be > 0", models.ErrValidation))
			return
		}
		radius = *v
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit <= 0 {
		limit = defaultLiveLimit
	}
	nearby, err := s.live.Nearby(r.Context(), origin.Lat, origin.Lng, radius, limit)
	if err != nil {
		s.writeError(w, r, models.Upstream("live index", err))
		return
	}
	writeJSON(w, http.StatusOK, nearby)
}

type upsertWorkerRequest struct {
	Category        string     `json:"category"`
	Online          bool       `json:"is_online"`
	ExperienceYears int        `json:"experience_years"`
	Location        *pointBody `json:"location"`
}

// handleUpsertWorker is the onboarding write. Counters are never taken from
// the request.
func (s *Server) handleUpsertWorker(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	var req upsertWorkerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	category, err := matcher.NormalizeCategory(req.Category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if category == "" {
		s.writeError(w, r, fmt.Errorf("%w: category is required", models.ErrValidation))
		return
	}
	if req.ExperienceYears < 0 {
		s.writeError(w, r, fmt.Errorf("%w: experience_years must be >= 0", models.ErrValidation))
		return
	}
	worker := models.Worker{
		ID:       id,
		Category: category,
		Online:   req.Online,
		Stats:    models.QualityStats{ExperienceYears: req.ExperienceYears},
	}
	pt, err := req.Location.point()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pt != nil {
		if !geo.IsValidCoordinate(pt.Lat, pt.Lng) {
			s.writeError(w, r, fmt.Errorf("%w: lat=%v lng=%v", models.ErrInvalidCoordinate, pt.Lat, pt.Lng))
			return
		}
		worker.Position = &models.Position{Lat: pt.Lat, Lng: pt.Lng, CapturedAt: nowUTC()}
		worker.Geohash = geo.EncodeGeohash(pt.Lat, pt.Lng)
	}
	saved, err := s.workers.UpsertWorker(r.Context(), worker)
	if err != nil {
		s.writeError(w, r, models.Upstream("upsert worker", err))
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
