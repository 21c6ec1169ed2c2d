package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/dispatch"
	"github.com/example/gig-dispatch/internal/models"
)

type createBookingRequest struct {
	CustomerID  string     `json:"customerId"`
	WorkerID    string     `json:"workerId"`
	ServiceType string     `json:"serviceType"`
	Price       flexFloat  `json:"price"`
	Location    *pointBody `json:"location"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	site, err := req.Location.point()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.dispatch.Create(r.Context(), dispatch.CreateInput{
		CustomerID:      req.CustomerID,
		WorkerID:        req.WorkerID,
		ServiceCategory: req.ServiceType,
		Price:           float64(req.Price),
		Site:            site,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.dispatch.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type updateBookingRequest struct {
	Status         string     `json:"status"`
	WorkerID       string     `json:"workerId"`
	WorkerLocation *pointBody `json:"workerLocation"`
	Reason         string     `json:"reason"`
}

type updateBookingResponse struct {
	Success         bool                 `json:"success"`
	ID              string               `json:"id"`
	Status          models.BookingStatus `json:"status,omitempty"`
	WorkerID        string               `json:"workerId,omitempty"`
	WorkerLocation  *models.Point        `json:"workerLocation,omitempty"`
	Transitioned    bool                 `json:"transitioned"`
	TrackingApplied bool                 `json:"trackingApplied"`
	Warning         string               `json:"warning,omitempty"`
	Booking         *models.Booking      `json:"booking"`
}

// handleUpdateBooking applies a status change, an assignment and/or a worker
// location to a booking and echoes what was applied.
func (s *Server) handleUpdateBooking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateBookingRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var upd dispatch.Update
	if strings.TrimSpace(req.Status) != "" {
		st, err := dispatch.ParseStatus(req.Status)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		upd.Status = st
	}
	upd.WorkerID = strings.TrimSpace(req.WorkerID)
	upd.Reason = req.Reason
	loc, err := req.WorkerLocation.point()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	upd.WorkerLocation = loc

	res, err := s.dispatch.Apply(r.Context(), id, upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := updateBookingResponse{
		Success:         true,
		ID:              res.Booking.ID,
		Transitioned:    res.Transitioned,
		TrackingApplied: res.TrackingApplied,
		Booking:         res.Booking,
	}
	if upd.Status != "" || res.Transitioned {
		resp.Status = res.Booking.Status
	}
	if upd.WorkerID != "" {
		resp.WorkerID = res.Booking.WorkerID
	}
	if upd.WorkerLocation != nil {
		resp.WorkerLocation = upd.WorkerLocation
	}
	if res.StatsErr != nil {
		resp.Warning = res.StatsErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTrackingWS streams tracking updates of one booking until the client
// goes away.
func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	b, err := s.dispatch.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	unsubscribe, err := s.hub.Subscribe(b.ID, conn, dispatch.TrackingUpdate{BookingID: b.ID, Status: b.Status, Tracking: b.Tracking})
	defer unsubscribe()
	if err != nil {
		s.logger.Debug("initial tracking write failed", zap.String("booking_id", b.ID), zap.Error(err))
		return
	}
	s.logger.Debug("tracking subscriber joined",
		zap.String("booking_id", b.ID),
		zap.Int("subscribers", s.hub.Subscribers(b.ID)),
	)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				s.logger.Debug("tracking socket closed", zap.String("booking_id", b.ID), zap.Error(err))
			}
			return
		}
	}
}
