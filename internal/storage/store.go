package storage

import (
	"context"
	"time"

	"github.com/example/gig-dispatch/internal/models"
)

// WorkerStore persists worker records. Stores return models.ErrNotFound for
// missing workers; any other error is a backend failure.
type WorkerStore interface {
	// UpsertWorker creates or updates a worker's onboarding fields. Counters in
	// Stats are only written when the worker is created.
	UpsertWorker(ctx context.Context, w models.Worker) (*models.Worker, error)
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	// ListWorkers returns workers of a category, or all of them when category is empty.
	ListWorkers(ctx context.Context, category string) ([]models.Worker, error)
	SetPosition(ctx context.Context, id string, pos models.Position, geohash string) error
	// IncrementStats atomically adds to the completed jobs and earnings counters.
	IncrementStats(ctx context.Context, id string, jobs int64, earnings float64) error
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, e models.HistoryEntry) error
	// History returns the newest limit entries ordered oldest first.
	History(ctx context.Context, workerID string, limit int) ([]models.HistoryEntry, error)
}

// BookingStore persists bookings. TransitionBooking applies tr only when the
// stored status and version still match tr.From and tr.Version, otherwise it
// returns models.ErrConflict.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	TransitionBooking(ctx context.Context, tr models.Transition) (*models.Booking, error)
	// UpdateTracking stores snap when the booking is in a tracked status and
	// reports whether it did.
	UpdateTracking(ctx context.Context, id string, snap models.TrackingSnapshot) (bool, error)
	ActiveBookingsForWorker(ctx context.Context, workerID string) ([]models.Booking, error)
}

type Store interface {
	WorkerStore
	ProfileStore
	HistoryStore
	BookingStore
	Close() error
}

func checkTransition(b *models.Booking, tr models.Transition) error {
	if b.Status != tr.From || b.Version != tr.Version {
		return models.ErrConflict
	}
	return nil
}

// applyTransition mutates b in place; callers have already run checkTransition.
func applyTransition(b *models.Booking, tr models.Transition) {
	b.Status = tr.To
	b.Version++
	if tr.WorkerID != "" {
		b.WorkerID = tr.WorkerID
	}
	at := tr.At
	switch tr.To {
	case models.StatusAssigned:
		b.Timeline.AssignedAt = stampOnce(b.Timeline.AssignedAt, at)
	case models.StatusInProgress:
		b.Timeline.StartedAt = stampOnce(b.Timeline.StartedAt, at)
	case models.StatusCompleted:
		b.Timeline.CompletedAt = stampOnce(b.Timeline.CompletedAt, at)
	case models.StatusCancelled:
		b.Timeline.CancelledAt = stampOnce(b.Timeline.CancelledAt, at)
		b.CancelReason = tr.Reason
	}
}

func stampOnce(cur *time.Time, at time.Time) *time.Time {
	if cur != nil {
		return cur
	}
	return &at
}
