package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/eta"
	"github.com/example/gig-dispatch/internal/models"
	"github.com/example/gig-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []TrackingUpdate
}

func (r *recordingPublisher) Publish(u TrackingUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

// failingStats fails every stats increment.
type failingStats struct {
	*storage.MemoryStore
}

func (f failingStats) IncrementStats(context.Context, string, int64, float64) error {
	return errors.New("deadline exceeded")
}

var site = models.Point{Lat: 19.0760, Lng: 72.8777}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *recordingPublisher) {
	t.Helper()
	st := storage.NewMemoryStore()
	st.PutWorker(models.Worker{ID: "w1", Category: "plumber"})
	st.PutWorker(models.Worker{ID: "w2", Category: "plumber"})
	pub := &recordingPublisher{}
	return NewService(st, pub, eta.NewEstimator(30), zap.NewNop()), st, pub
}

func createBooking(t *testing.T, svc *Service, workerID string) *models.Booking {
	t.Helper()
	s := site
	b, err := svc.Create(context.Background(), CreateInput{CustomerID: "c1", WorkerID: workerID, ServiceCategory: "Plumber", Price: 150, Site: &s})
	require.NoError(t, err)
	return b
}

func TestCreateBooking(t *testing.T) {
	svc, _, _ := newTestService(t)
	b := createBooking(t, svc, "auto-assign")
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, models.UnassignedWorker, b.WorkerID)
	assert.Equal(t, "plumber", b.ServiceCategory)
	assert.False(t, b.Timeline.CreatedAt.IsZero())
	assert.Nil(t, b.Timeline.AssignedAt)

	_, err := svc.Create(context.Background(), CreateInput{CustomerID: "c1", ServiceCategory: "plumber", Price: -1})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.Create(context.Background(), CreateInput{CustomerID: "c1", ServiceCategory: "plumber", WorkerID: "ghost"})
	assert.ErrorIs(t, err, models.ErrUnknownWorker)
}

func TestAssignmentScenario(t *testing.T) {
	svc, _, _ := newTestService(t)
	b := createBooking(t, svc, "")

	res, err := svc.Apply(context.Background(), b.ID, Update{WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.StatusAssigned, res.Booking.Status)
	assert.Equal(t, "w1", res.Booking.WorkerID)
	require.NotNil(t, res.Booking.Timeline.AssignedAt)
	assert.False(t, res.Booking.Timeline.AssignedAt.Before(res.Booking.Timeline.CreatedAt))
}

func TestExplicitAssignNeedsWorker(t *testing.T) {
	svc, _, _ := newTestService(t)
	b := createBooking(t, svc, "")
	_, err := svc.Apply(context.Background(), b.ID, Update{Status: models.StatusAssigned})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.Apply(context.Background(), b.ID, Update{Status: models.StatusAssigned, WorkerID: "ghost"})
	assert.ErrorIs(t, err, models.ErrUnknownWorker)

	// pre-referenced worker is used when the event carries none
	b2 := createBooking(t, svc, "w2")
	res, err := svc.Apply(context.Background(), b2.ID, Update{Status: models.StatusAssigned})
	require.NoError(t, err)
	assert.Equal(t, "w2", res.Booking.WorkerID)
}

func TestLegacyAutoAssignPlaceholder(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	legacy := &models.Booking{
		ID:              "legacy-1",
		CustomerID:      "c1",
		WorkerID:        "auto-assign",
		ServiceCategory: "plumber",
		Status:          models.StatusPending,
		Price:           90,
		Timeline:        models.Timeline{CreatedAt: time.Now().UTC()},
	}
	require.NoError(t, st.CreateBooking(ctx, legacy))
	assert.False(t, legacy.Assigned())

	_, err := svc.Apply(ctx, legacy.ID, Update{Status: models.StatusAssigned})
	assert.ErrorIs(t, err, models.ErrValidation)

	res, err := svc.Apply(ctx, legacy.ID, Update{WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.StatusAssigned, res.Booking.Status)
	assert.Equal(t, "w1", res.Booking.WorkerID)
}

func TestFullWalkCreditsWorkerOnce(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	b := createBooking(t, svc, "")

	var observed []models.BookingStatus
	for _, upd := range []Update{
		{Status: models.StatusAssigned, WorkerID: "w1"},
		{Status: models.StatusInProgress},
		{Status: models.StatusCompleted},
		{Status: models.StatusCompleted},
	} {
		res, err := svc.Apply(ctx, b.ID, upd)
		require.NoError(t, err)
		require.NoError(t, res.StatsErr)
		observed = append(observed, res.Booking.Status)
	}
	assert.Equal(t, []models.BookingStatus{models.StatusAssigned, models.StatusInProgress, models.StatusCompleted, models.StatusCompleted}, observed)
	for i := 1; i < len(observed); i++ {
		if observed[i] != observed[i-1] {
			assert.True(t, CanTransition(observed[i-1], observed[i]))
		}
	}

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Stats.TotalJobsCompleted)
	assert.Equal(t, 150.0, w.Stats.LifetimeEarnings)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	tl := got.Timeline
	require.NotNil(t, tl.AssignedAt)
	require.NotNil(t, tl.StartedAt)
	require.NotNil(t, tl.CompletedAt)
	assert.False(t, tl.StartedAt.Before(*tl.AssignedAt))
	assert.False(t, tl.CompletedAt.Before(*tl.StartedAt))
}

func TestConcurrentDuplicateCompletion(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	b := createBooking(t, svc, "")
	_, err := svc.Apply(ctx, b.ID, Update{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = svc.Apply(ctx, b.ID, Update{Status: models.StatusInProgress})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	transitioned := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Apply(ctx, b.ID, Update{Status: models.StatusCompleted})
			if err != nil {
				t.Errorf("duplicate completion should succeed: %v", err)
				return
			}
			if res.Transitioned {
				mu.Lock()
				transitioned++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, transitioned)

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Stats.TotalJobsCompleted)
	assert.Equal(t, 150.0, w.Stats.LifetimeEarnings)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	b := createBooking(t, svc, "")
	_, err := svc.Apply(ctx, b.ID, Update{Status: models.StatusCompleted})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = svc.Apply(ctx, b.ID, Update{Status: models.StatusInProgress})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = svc.Apply(ctx, b.ID, Update{Status: models.StatusCancelled, Reason: "changed my mind"})
	require.NoError(t, err)
	for _, to := range []models.BookingStatus{models.StatusPending, models.StatusAssigned, models.StatusInProgress, models.StatusCompleted} {
		_, err = svc.Apply(ctx, b.ID, Update{Status: to, WorkerID: "w1"})
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "cancelled -> %s", to)
	}
	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "changed my mind", got.CancelReason)
	require.NotNil(t, got.Timeline.CancelledAt)

	_, err = svc.Apply(ctx, "missing", Update{Status: models.StatusCancelled})
	assert.ErrorIs(t, err, models.ErrBookingNotFound)
	_, err = svc.Apply(ctx, b.ID, Update{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCancelFromEveryNonTerminalState(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	paths := [][]Update{
		{},
		{{WorkerID: "w1"}},
		{{WorkerID: "w1"}, {Status: models.StatusInProgress}},
	}
	for _, path := range paths {
		b := createBooking(t, svc, "")
		for _, upd := range path {
			_, err := svc.Apply(ctx, b.ID, upd)
			require.NoError(t, err)
		}
		res, err := svc.Apply(ctx, b.ID, Update{Status: models.StatusCancelled})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, res.Booking.Status)
	}
}

func TestReassignRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	b := createBooking(t, svc, "")
	_, err := svc.Apply(ctx, b.ID, Update{WorkerID: "w1"})
	require.NoError(t, err)

	res, err := svc.Apply(ctx, b.ID, Update{Status: models.StatusAssigned, WorkerID: "w1"})
	require.NoError(t, err)
	assert.False(t, res.Transitioned)

	_, err = svc.Apply(ctx, b.ID, Update{Status: models.StatusAssigned, WorkerID: "w2"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestStatsFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	mem.PutWorker(models.Worker{ID: "w1"})
	svc := NewService(failingStats{mem}, nil, eta.NewEstimator(30), zap.NewNop())
	b, err := svc.Create(ctx, CreateInput{CustomerID: "c1", WorkerID: "w1", ServiceCategory: "plumber", Price: 80})
	require.NoError(t, err)
	for _, s := range []models.BookingStatus{models.StatusAssigned, models.StatusInProgress} {
		_, err := svc.Apply(ctx, b.ID, Update{Status: s})
		require.NoError(t, err)
	}

	res, err := svc.Apply(ctx, b.ID, Update{Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.ErrorIs(t, res.StatsErr, models.ErrStatsUpdateFailed)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestApplyLocationPing(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newTestService(t)
	b := createBooking(t, svc, "")
	ping := models.Point{Lat: 19.0860, Lng: 72.8777}

	// pending: no-op, not an error
	applied, err := svc.ApplyLocationPing(ctx, b.ID, ping)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = svc.Apply(ctx, b.ID, Update{WorkerID: "w1"})
	require.NoError(t, err)
	applied, err = svc.ApplyLocationPing(ctx, b.ID, ping)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Tracking)
	assert.Equal(t, ping, got.Tracking.WorkerPosition)
	require.NotNil(t, got.Tracking.DistanceToCustomer)
	assert.InDelta(t, 1.11, *got.Tracking.DistanceToCustomer, 0.01)
	require.NotNil(t, got.Tracking.ETASeconds)
	assert.InDelta(t, *got.Tracking.DistanceToCustomer/30*3600, *got.Tracking.ETASeconds, 1e-6)

	pub.mu.Lock()
	last := pub.updates[len(pub.updates)-1]
	pub.mu.Unlock()
	assert.Equal(t, b.ID, last.BookingID)
	require.NotNil(t, last.Tracking)

	_, err = svc.Apply(ctx, b.ID, Update{Status: models.StatusCancelled})
	require.NoError(t, err)
	applied, err = svc.ApplyLocationPing(ctx, b.ID, models.Point{Lat: 0, Lng: 0})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = svc.ApplyLocationPing(ctx, b.ID, models.Point{Lat: 91})
	assert.ErrorIs(t, err, models.ErrInvalidCoordinate)
}

func TestHandleLocationUpdatesActiveBookings(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	active := createBooking(t, svc, "")
	_, err := svc.Apply(ctx, active.ID, Update{WorkerID: "w1"})
	require.NoError(t, err)
	pending := createBooking(t, svc, "w1")

	ev := models.LocationEvent{WorkerID: "w1", Position: models.Position{Lat: 19.08, Lng: 72.88, CapturedAt: time.Now()}}
	require.NoError(t, svc.HandleLocation(ctx, ev))

	got, err := svc.Get(ctx, active.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Tracking)
	assert.Equal(t, 19.08, got.Tracking.WorkerPosition.Lat)

	got, err = svc.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Tracking)
}

func TestStampNeverGoesBackwards(t *testing.T) {
	svc, _, _ := newTestService(t)
	future := time.Now().Add(time.Hour).UTC()
	b := &models.Booking{Timeline: models.Timeline{CreatedAt: time.Now().UTC(), AssignedAt: &future}}
	assert.Equal(t, future, svc.stamp(b))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("In-Progress")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, s)
	_, err = ParseStatus("teleported")
	assert.ErrorIs(t, err, models.ErrValidation)
}
