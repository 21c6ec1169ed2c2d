// Package dispatch drives bookings through their lifecycle and keeps the live
// tracking snapshot of active bookings current.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/eta"
	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/models"
	"github.com/example/gig-dispatch/internal/observability"
)

type Store interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	TransitionBooking(ctx context.Context, tr models.Transition) (*models.Booking, error)
	UpdateTracking(ctx context.Context, id string, snap models.TrackingSnapshot) (bool, error)
	ActiveBookingsForWorker(ctx context.Context, workerID string) ([]models.Booking, error)
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	IncrementStats(ctx context.Context, id string, jobs int64, earnings float64) error
}

// Publisher receives tracking updates for live subscribers.
type Publisher interface {
	Publish(u TrackingUpdate)
}

type Service struct {
	store     Store
	publisher Publisher
	estimator eta.Estimator
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store Store, publisher Publisher, estimator eta.Estimator, logger *zap.Logger) *Service {
	return &Service{store: store, publisher: publisher, estimator: estimator, logger: logger, now: time.Now}
}

type CreateInput struct {
	CustomerID      string
	WorkerID        string
	ServiceCategory string
	Price           float64
	Site            *models.Point
}

// Create stores a new pending booking. A worker may be referenced up front;
// the booking is still pending until the assign event.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Booking, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, fmt.Errorf("%w: customerId is required", models.ErrValidation)
	}
	category := strings.ToLower(strings.TrimSpace(in.ServiceCategory))
	if category == "" {
		return nil, fmt.Errorf("%w: serviceType is required", models.ErrValidation)
	}
	if in.Price < 0 {
		return nil, fmt.Errorf("%w: price must be >= 0", models.ErrValidation)
	}
	if in.Site != nil && !geo.IsValidCoordinate(in.Site.Lat, in.Site.Lng) {
		return nil, fmt.Errorf("%w: site lat=%v lng=%v", models.ErrInvalidCoordinate, in.Site.Lat, in.Site.Lng)
	}
	b := &models.Booking{
		ID:              uuid.NewString(),
		CustomerID:      strings.TrimSpace(in.CustomerID),
		WorkerID:        NormalizeWorkerID(in.WorkerID),
		ServiceCategory: category,
		Status:          models.StatusPending,
		Price:           in.Price,
		Site:            in.Site,
		Timeline:        models.Timeline{CreatedAt: s.now().UTC()},
	}
	if b.Assigned() {
		if err := s.checkWorker(ctx, b.WorkerID); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreateBooking(ctx, b); err != nil {
		return nil, models.Upstream("create booking", err)
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrBookingNotFound
	}
	if err != nil {
		return nil, models.Upstream("get booking", err)
	}
	return b, nil
}

// Update is a partial booking change. Empty fields are not applied.
type Update struct {
	Status         models.BookingStatus
	WorkerID       string
	WorkerLocation *models.Point
	Reason         string
}

type Result struct {
	Booking *models.Booking
	// Transitioned is true when this call moved the booking. A duplicate of a
	// transition that already happened leaves it false.
	Transitioned bool
	// TrackingApplied is set when a worker location refreshed the snapshot.
	TrackingApplied bool
	// StatsErr is set when the completion credit failed; the transition stands.
	StatsErr error
}

// Apply runs an update through the state machine. A workerId on a pending,
// unassigned booking is the assign event.
func (s *Service) Apply(ctx context.Context, id string, upd Update) (*Result, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	workerID := ""
	if upd.WorkerID != "" {
		workerID = NormalizeWorkerID(upd.WorkerID)
	}
	target := upd.Status
	if target == "" && workerID != "" && workerID != models.UnassignedWorker &&
		b.Status == models.StatusPending && !b.Assigned() {
		target = models.StatusAssigned
	}
	if target == "" && upd.WorkerLocation == nil {
		return nil, fmt.Errorf("%w: nothing to update", models.ErrValidation)
	}
	if upd.WorkerLocation != nil && !geo.IsValidCoordinate(upd.WorkerLocation.Lat, upd.WorkerLocation.Lng) {
		return nil, fmt.Errorf("%w: workerLocation lat=%v lng=%v", models.ErrInvalidCoordinate, upd.WorkerLocation.Lat, upd.WorkerLocation.Lng)
	}

	res := &Result{Booking: b}
	if target != "" {
		if err := s.transition(ctx, res, target, workerID, upd.Reason); err != nil {
			return nil, err
		}
	}
	if upd.WorkerLocation != nil {
		applied, err := s.applyPing(ctx, res.Booking, *upd.WorkerLocation)
		if err != nil {
			return nil, err
		}
		res.TrackingApplied = applied
	}
	return res, nil
}

func (s *Service) transition(ctx context.Context, res *Result, to models.BookingStatus, workerID, reason string) error {
	b := res.Booking
	from := b.Status
	if from == to {
		// duplicate delivery of an event that already happened
		if to == models.StatusAssigned && workerID != "" && workerID != b.WorkerID {
			return fmt.Errorf("%w: booking already assigned to another worker", models.ErrInvalidTransition)
		}
		observability.BookingTransitions.WithLabelValues(string(from), string(to), "replay").Inc()
		return nil
	}
	if !CanTransition(from, to) {
		observability.BookingTransitions.WithLabelValues(string(from), string(to), "invalid").Inc()
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	tr := models.Transition{BookingID: b.ID, From: from, To: to, Version: b.Version, At: s.stamp(b), Reason: reason}
	if to == models.StatusAssigned {
		if workerID == "" {
			workerID = b.WorkerID
		}
		if models.IsUnassigned(workerID) {
			return fmt.Errorf("%w: workerId is required to assign", models.ErrValidation)
		}
		if err := s.checkWorker(ctx, workerID); err != nil {
			return err
		}
		tr.WorkerID = workerID
	} else if workerID != "" && workerID != b.WorkerID {
		return fmt.Errorf("%w: workerId can only change on assignment", models.ErrValidation)
	}

	nb, err := s.store.TransitionBooking(ctx, tr)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return models.ErrBookingNotFound
	case errors.Is(err, models.ErrConflict):
		// someone else moved the booking first; if they made the same move this
		// call is a duplicate
		cur, gerr := s.Get(ctx, b.ID)
		if gerr != nil {
			return gerr
		}
		if cur.Status == to {
			observability.BookingTransitions.WithLabelValues(string(from), string(to), "replay").Inc()
			res.Booking = cur
			return nil
		}
		observability.BookingTransitions.WithLabelValues(string(from), string(to), "conflict").Inc()
		return fmt.Errorf("%w: booking %s is now %s", models.ErrConflict, b.ID, cur.Status)
	case err != nil:
		return models.Upstream("transition booking", err)
	}
	observability.BookingTransitions.WithLabelValues(string(from), string(to), "ok").Inc()
	res.Booking = nb
	res.Transitioned = true
	s.logger.Info("booking transitioned",
		zap.String("booking_id", nb.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("worker_id", nb.WorkerID),
	)

	// only the writer that won the in_progress -> completed edge credits the worker
	if to == models.StatusCompleted && nb.Assigned() {
		if err := s.store.IncrementStats(ctx, nb.WorkerID, 1, nb.Price); err != nil {
			observability.StatsCreditFailures.Inc()
			res.StatsErr = fmt.Errorf("%w: worker %s: %v", models.ErrStatsUpdateFailed, nb.WorkerID, err)
			s.logger.Error("worker stats update failed",
				zap.String("booking_id", nb.ID),
				zap.String("worker_id", nb.WorkerID),
				zap.Float64("price", nb.Price),
				zap.Error(err),
			)
		}
	}
	if s.publisher != nil && (to.Terminal() || to.Tracked()) {
		s.publisher.Publish(TrackingUpdate{BookingID: nb.ID, Status: nb.Status, Tracking: nb.Tracking})
	}
	return nil
}

// stamp returns now, clamped so timeline stamps never go backwards.
func (s *Service) stamp(b *models.Booking) time.Time {
	at := s.now().UTC()
	latest := b.Timeline.CreatedAt
	for _, t := range []*time.Time{b.Timeline.AssignedAt, b.Timeline.StartedAt, b.Timeline.CompletedAt, b.Timeline.CancelledAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	if at.Before(latest) {
		return latest
	}
	return at
}

func (s *Service) checkWorker(ctx context.Context, workerID string) error {
	_, err := s.store.GetWorker(ctx, workerID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrUnknownWorker
	}
	if err != nil {
		return models.Upstream("get worker", err)
	}
	return nil
}

// ApplyLocationPing refreshes the tracking snapshot of an assigned or
// in-progress booking. Other statuses are a no-op.
func (s *Service) ApplyLocationPing(ctx context.Context, bookingID string, pos models.Point) (bool, error) {
	if !geo.IsValidCoordinate(pos.Lat, pos.Lng) {
		return false, fmt.Errorf("%w: lat=%v lng=%v", models.ErrInvalidCoordinate, pos.Lat, pos.Lng)
	}
	b, err := s.Get(ctx, bookingID)
	if err != nil {
		return false, err
	}
	return s.applyPing(ctx, b, pos)
}

func (s *Service) applyPing(ctx context.Context, b *models.Booking, pos models.Point) (bool, error) {
	if !b.Status.Tracked() {
		return false, nil
	}
	snap := models.TrackingSnapshot{WorkerPosition: pos, LastUpdated: s.now().UTC()}
	if b.Site != nil {
		d := geo.Distance(pos, *b.Site)
		secs := s.estimator.Between(pos, *b.Site)
		snap.DistanceToCustomer = &d
		snap.ETASeconds = &secs
	}
	applied, err := s.store.UpdateTracking(ctx, b.ID, snap)
	if errors.Is(err, models.ErrNotFound) {
		return false, models.ErrBookingNotFound
	}
	if err != nil {
		return false, models.Upstream("update tracking", err)
	}
	if applied {
		b.Tracking = &snap
		if s.publisher != nil {
			s.publisher.Publish(TrackingUpdate{BookingID: b.ID, Status: b.Status, Tracking: &snap})
		}
	}
	return applied, nil
}

// HandleLocation applies an accepted worker ping to all of the worker's
// active bookings.
func (s *Service) HandleLocation(ctx context.Context, ev models.LocationEvent) error {
	bookings, err := s.store.ActiveBookingsForWorker(ctx, ev.WorkerID)
	if err != nil {
		return models.Upstream("active bookings", err)
	}
	var errs []error
	for i := range bookings {
		if _, err := s.applyPing(ctx, &bookings[i], ev.Position.Point()); err != nil {
			errs = append(errs, fmt.Errorf("booking %s: %w", bookings[i].ID, err))
		}
	}
	return errors.Join(errs...)
}
