// Package httpapi exposes the worker, matching and booking operations over
// HTTP and the live tracking channel over websockets.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/dispatch"
	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/ingest"
	"github.com/example/gig-dispatch/internal/matcher"
	"github.com/example/gig-dispatch/internal/models"
)

// WorkerStore is what the onboarding endpoint writes through.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, w models.Worker) (*models.Worker, error)
}

type Deps struct {
	Ingest      *ingest.Service
	Matcher     *matcher.Service
	Dispatch    *dispatch.Service
	Hub         *dispatch.TrackingHub
	Live        geo.LiveIndex
	Workers     WorkerStore
	Logger      *zap.Logger
	CORSOrigins []string
}

type Server struct {
	ingest   *ingest.Service
	matcher  *matcher.Service
	dispatch *dispatch.Service
	hub      *dispatch.TrackingHub
	live     geo.LiveIndex
	workers  WorkerStore
	logger   *zap.Logger
	mux      *mux.Router
	handler  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ingest:   d.Ingest,
		matcher:  d.Matcher,
		dispatch: d.Dispatch,
		hub:      d.Hub,
		live:     d.Live,
		workers:  d.Workers,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.registerMiddleware()
	s.routes()

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// /workers/live must be registered before /workers/{id}
	s.mux.HandleFunc("/workers/live", s.handleLiveNearby).Methods(http.MethodGet)
	s.mux.HandleFunc("/workers", s.handleFindWorkers).Methods(http.MethodGet)
	s.mux.HandleFunc("/workers/{id}", s.handleUpsertWorker).Methods(http.MethodPut)
	s.mux.HandleFunc("/workers/{id}/location", s.handleUpdateLocation).Methods(http.MethodPatch)
	s.mux.HandleFunc("/workers/{id}/history", s.handleHistory).Methods(http.MethodGet)

	s.mux.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	s.mux.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	s.mux.HandleFunc("/bookings/{id}", s.handleUpdateBooking).Methods(http.MethodPut)

	s.mux.HandleFunc("/ws/bookings/{id}", s.handleTrackingWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
