// Package ingest accepts worker location pings, keeps the worker's current
// position and history, and fans accepted pings out to downstream sinks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/models"
	"github.com/example/gig-dispatch/internal/observability"
)

// Store is the slice of persistence the ingestor needs.
type Store interface {
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	SetPosition(ctx context.Context, id string, pos models.Position, geohash string) error
	AppendHistory(ctx context.Context, e models.HistoryEntry) error
	History(ctx context.Context, workerID string, limit int) ([]models.HistoryEntry, error)
}

// Sink receives every accepted ping. Sink failures are logged and never fail
// the update.
type Sink interface {
	HandleLocation(ctx context.Context, ev models.LocationEvent) error
}

// LocationInput is a raw ping. Zero CapturedAt means now.
type LocationInput struct {
	Lat        float64
	Lng        float64
	Accuracy   float64
	CapturedAt time.Time
}

type Limits struct {
	Default int
	Max     int
}

type namedSink struct {
	name string
	sink Sink
}

type Service struct {
	store  Store
	logger *zap.Logger
	limits Limits
	sinks  []namedSink
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger, limits Limits) *Service {
	if limits.Default <= 0 {
		limits.Default = 50
	}
	if limits.Max < limits.Default {
		limits.Max = limits.Default
	}
	return &Service{store: store, logger: logger, limits: limits, now: time.Now}
}

// AddSink registers a sink; sinks run in registration order.
func (s *Service) AddSink(name string, sink Sink) {
	s.sinks = append(s.sinks, namedSink{name: name, sink: sink})
}

// UpdateLocation validates and stores a ping. The current position is written
// before the history entry is appended.
func (s *Service) UpdateLocation(ctx context.Context, workerID string, in LocationInput) (*models.Position, error) {
	if !geo.IsValidCoordinate(in.Lat, in.Lng) {
		observability.LocationUpdatesTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: lat=%v lng=%v", models.ErrInvalidCoordinate, in.Lat, in.Lng)
	}
	if in.Accuracy < 0 {
		observability.LocationUpdatesTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: accuracy must be >= 0", models.ErrValidation)
	}

	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, rejected(workerErr("get worker", err))
	}

	pos := models.Position{Lat: in.Lat, Lng: in.Lng, Accuracy: in.Accuracy, CapturedAt: in.CapturedAt.UTC()}
	if in.CapturedAt.IsZero() {
		pos.CapturedAt = s.now().UTC()
	}
	gh := geo.EncodeGeohash(pos.Lat, pos.Lng)

	if err := s.store.SetPosition(ctx, workerID, pos, gh); err != nil {
		return nil, rejected(workerErr("set position", err))
	}
	entry := models.HistoryEntry{
		ID:         uuid.NewString(),
		WorkerID:   workerID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		Accuracy:   pos.Accuracy,
		CapturedAt: pos.CapturedAt,
	}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		return nil, rejected(models.Upstream("append history", err))
	}
	observability.LocationUpdatesTotal.WithLabelValues("accepted").Inc()

	s.publish(ctx, models.LocationEvent{WorkerID: workerID, Category: w.Category, Geohash: gh, Position: pos})
	return &pos, nil
}

func (s *Service) publish(ctx context.Context, ev models.LocationEvent) {
	for _, ns := range s.sinks {
		if err := ns.sink.HandleLocation(ctx, ev); err != nil {
			observability.LocationSinkErrors.WithLabelValues(ns.name).Inc()
			s.logger.Warn("location sink failed",
				zap.String("sink", ns.name),
				zap.String("worker_id", ev.WorkerID),
				zap.Error(err),
			)
		}
	}
}

// History returns up to limit of the newest entries, oldest first. A
// non-positive limit selects the default; larger limits are capped.
func (s *Service) History(ctx context.Context, workerID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = s.limits.Default
	}
	if limit > s.limits.Max {
		limit = s.limits.Max
	}
	if _, err := s.store.GetWorker(ctx, workerID); err != nil {
		return nil, workerErr("get worker", err)
	}
	entries, err := s.store.History(ctx, workerID, limit)
	if err != nil {
		return nil, models.Upstream("read history", err)
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	return entries, nil
}

func workerErr(op string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrUnknownWorker
	}
	return models.Upstream(op, err)
}

func rejected(err error) error {
	result := "error"
	if errors.Is(err, models.ErrNotFound) {
		result = "unknown_worker"
	}
	observability.LocationUpdatesTotal.WithLabelValues(result).Inc()
	return err
}
