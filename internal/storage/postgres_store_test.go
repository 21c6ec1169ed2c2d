package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/gig-dispatch/internal/models"
)

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ddl, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, string(ddl))
	require.NoError(t, err)
	return s
}

func TestPostgresBookingLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	workerID := "w-" + uuid.NewString()
	_, err := s.UpsertWorker(ctx, models.Worker{ID: workerID, Category: "plumber", Stats: models.QualityStats{AvgRating: 4.2}})
	require.NoError(t, err)

	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateBooking(ctx, &models.Booking{
		ID: id, CustomerID: "c1", WorkerID: models.UnassignedWorker, ServiceCategory: "plumber",
		Status: models.StatusPending, Price: 120, Timeline: models.Timeline{CreatedAt: now},
	}))

	b, err := s.TransitionBooking(ctx, models.Transition{BookingID: id, From: models.StatusPending, To: models.StatusAssigned, Version: 0, At: now, WorkerID: workerID})
	require.NoError(t, err)
	assert.Equal(t, workerID, b.WorkerID)
	require.NotNil(t, b.Timeline.AssignedAt)

	ok, err := s.UpdateTracking(ctx, id, models.TrackingSnapshot{WorkerPosition: models.Point{Lat: 19, Lng: 72}, LastUpdated: now})
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := s.ActiveBookingsForWorker(ctx, workerID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NotNil(t, active[0].Tracking)

	_, err = s.TransitionBooking(ctx, models.Transition{BookingID: id, From: models.StatusPending, To: models.StatusAssigned, Version: 0, At: now})
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = s.TransitionBooking(ctx, models.Transition{BookingID: uuid.NewString(), From: models.StatusPending, To: models.StatusAssigned})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresConcurrentCompletion(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, s.CreateBooking(ctx, &models.Booking{
		ID: id, CustomerID: "c1", WorkerID: "w1", ServiceCategory: "plumber",
		Status: models.StatusInProgress, Timeline: models.Timeline{CreatedAt: time.Now().UTC()}, Version: 2,
	}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionBooking(ctx, models.Transition{BookingID: id, From: models.StatusInProgress, To: models.StatusCompleted, Version: 2, At: time.Now().UTC()})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, models.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresHistoryOrder(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	workerID := "w-" + uuid.NewString()
	_, err := s.UpsertWorker(ctx, models.Worker{ID: workerID, Category: "cleaner"})
	require.NoError(t, err)
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(ctx, models.HistoryEntry{ID: uuid.NewString(), WorkerID: workerID, Lat: float64(i), CapturedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	got, err := s.History(ctx, workerID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].Lat)
	assert.Equal(t, 4.0, got[1].Lat)
}
