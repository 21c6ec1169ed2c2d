package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/gig-dispatch/internal/config"
	"github.com/example/gig-dispatch/internal/models"
	"github.com/example/gig-dispatch/internal/storage"
)

func boolPtr(b bool) *bool { return &b }

func worker(id, category string, rating float64, exp int, jobs int64, pos *models.Position) models.Worker {
	return models.Worker{
		ID:       id,
		Category: category,
		Position: pos,
		Stats:    models.QualityStats{AvgRating: rating, ExperienceYears: exp, TotalJobsCompleted: jobs},
	}
}

func at(lat, lng float64) *models.Position {
	return &models.Position{Lat: lat, Lng: lng, CapturedAt: time.Now()}
}

func newService(st Store) *Service {
	return NewService(st, config.DefaultMatcherConfig(), zap.NewNop())
}

func ids(ws []models.ScoredWorker) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

func TestScoreScenario(t *testing.T) {
	st := storage.NewMemoryStore()
	st.PutWorker(worker("w1", "plumber", 4.5, 6, 0, at(19.0760, 72.8777)))
	st.PutProfile(models.Profile{ID: "w1", Name: "Asha", Avatar: "a.png"})

	got, err := newService(st).FindWorkers(context.Background(), Query{Category: "plumber"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 3.33, got[0].Score, 1e-9)
	assert.InDelta(t, 3.33, got[0].AIScore, 1e-9)
	assert.Equal(t, 4.5, got[0].RatingAvg)
	assert.Equal(t, "Asha", got[0].Name)
	assert.Equal(t, "a.png", got[0].Avatar)
	assert.Nil(t, got[0].Distance)
}

func TestCategoryFilterIsCaseInsensitive(t *testing.T) {
	st := storage.NewMemoryStore()
	st.PutWorker(worker("p1", "plumber", 4, 1, 0, nil))
	st.PutWorker(worker("e1", "electrician", 5, 1, 0, nil))

	svc := newService(st)
	got, err := svc.FindWorkers(context.Background(), Query{Category: "PLUMBER"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids(got))

	for _, c := range []string{"", "all", "All"} {
		got, err = svc.FindWorkers(context.Background(), Query{Category: c})
		require.NoError(t, err)
		assert.Len(t, got, 2, "category %q", c)
	}

	for _, c := range []string{"plumber\x00", "plumber\nx", "\xffplumber"} {
		_, err = svc.FindWorkers(context.Background(), Query{Category: c})
		assert.ErrorIs(t, err, models.ErrInvalidCategory, "category %q", c)
	}
}

func TestCategoryWithPunctuation(t *testing.T) {
	st := storage.NewMemoryStore()
	st.PutWorker(worker("b1", "beauty & spa", 4, 1, 0, nil))
	st.PutWorker(worker("m1", "packers & movers", 4, 1, 0, nil))
	st.PutWorker(worker("r1", "ro & water", 4, 1, 0, nil))
	svc := newService(st)

	for c, want := range map[string]string{"Beauty & Spa": "b1", "PACKERS & MOVERS": "m1", " RO & Water ": "r1"} {
		got, err := svc.FindWorkers(context.Background(), Query{Category: c})
		require.NoError(t, err, c)
		assert.Equal(t, []string{want}, ids(got), c)
	}

	c, err := NormalizeCategory("Packers & Movers")
	require.NoError(t, err)
	assert.Equal(t, "packers & movers", c)
}

func TestSortOrderAndTies(t *testing.T) {
	st := storage.NewMemoryStore()
	origin := models.Point{Lat: 19.0760, Lng: 72.8777}
	// same score for b, c, d, e; b has more jobs; c is closer than d; e has no position
	st.PutWorker(worker("a", "cleaner", 5, 10, 0, nil))
	st.PutWorker(worker("b", "cleaner", 4, 2, 9, at(19.2, 72.8777)))
	st.PutWorker(worker("c", "cleaner", 4, 2, 3, at(19.08, 72.8777)))
	st.PutWorker(worker("d", "cleaner", 4, 2, 3, at(19.1, 72.8777)))
	st.PutWorker(worker("e", "cleaner", 4, 2, 3, nil))
	st.PutWorker(worker("f", "cleaner", 3, 0, 100, at(19.0760, 72.8777)))

	got, err := newService(st).FindWorkers(context.Background(), Query{Category: "cleaner", Origin: &origin})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, ids(got))
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
	require.NotNil(t, got[2].Distance)
	assert.Nil(t, got[4].Distance)
}

func TestDefaultRatingAndExperienceCap(t *testing.T) {
	st := storage.NewMemoryStore()
	st.PutWorker(worker("new", "painter", 0, 25, 0, nil))

	got, err := newService(st).FindWorkers(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4.0, got[0].RatingAvg)
	assert.InDelta(t, 4.0*0.7+10*0.03, got[0].Score, 1e-9)
	assert.Equal(t, unknownName, got[0].Name)
}

func TestRadiusFilterOptIn(t *testing.T) {
	st := storage.NewMemoryStore()
	origin := models.Point{Lat: 19.0760, Lng: 72.8777}
	st.PutWorker(worker("near", "plumber", 4, 1, 0, at(19.08, 72.8777)))
	st.PutWorker(worker("far", "plumber", 4, 1, 0, at(19.5, 72.8777)))
	st.PutWorker(worker("nowhere", "plumber", 4, 1, 0, nil))
	svc := newService(st)

	got, err := svc.FindWorkers(context.Background(), Query{Origin: &origin, RadiusKm: 5})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = svc.FindWorkers(context.Background(), Query{Origin: &origin, RadiusKm: 5, RadiusFilter: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids(got))
	assert.LessOrEqual(t, *got[0].Distance, 5.0)
}

func TestOnlineFlagFromProfileWins(t *testing.T) {
	st := storage.NewMemoryStore()
	on := worker("on", "plumber", 4, 1, 0, nil)
	on.Online = false
	off := worker("off", "plumber", 4, 1, 0, nil)
	off.Online = true
	st.PutWorker(on)
	st.PutWorker(off)
	st.PutProfile(models.Profile{ID: "on", Online: boolPtr(true)})
	st.PutProfile(models.Profile{ID: "off", Online: boolPtr(false)})
	svc := newService(st)

	got, err := svc.FindWorkers(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = svc.FindWorkers(context.Background(), Query{OnlineOnly: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{"on"}, ids(got))
}

func TestInvalidOrigin(t *testing.T) {
	svc := newService(storage.NewMemoryStore())
	_, err := svc.FindWorkers(context.Background(), Query{Origin: &models.Point{Lat: 91}})
	assert.ErrorIs(t, err, models.ErrInvalidCoordinate)
}

func TestEmptyResultIsNotAnError(t *testing.T) {
	got, err := newService(storage.NewMemoryStore()).FindWorkers(context.Background(), Query{Category: "roofer"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

// slowProfiles answers profile lookups in reverse order of request to check
// that enrichment keeps candidate order.
type slowProfiles struct {
	workers []models.Worker
	mu      sync.Mutex
	calls   int
	fail    string
}

func (s *slowProfiles) ListWorkers(context.Context, string) ([]models.Worker, error) {
	return s.workers, nil
}

func (s *slowProfiles) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if id == s.fail {
		return nil, errors.New("users collection unavailable")
	}
	select {
	case <-time.After(time.Duration(10-n%10) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.Profile{ID: id, Name: "name-" + id}, nil
}

func TestEnrichmentKeepsCandidateOrder(t *testing.T) {
	var ws []models.Worker
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		ws = append(ws, worker(id, "plumber", 4, 1, 0, nil))
	}
	st := &slowProfiles{workers: ws}
	got, err := newService(st).FindWorkers(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 6)
	for _, w := range got {
		assert.Equal(t, "name-"+w.ID, w.Name)
	}
	// equal scores and jobs, no distances: falls back to id order
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, ids(got))
}

func TestEnrichmentFailureIsUpstream(t *testing.T) {
	st := &slowProfiles{workers: []models.Worker{worker("a", "plumber", 4, 1, 0, nil), worker("b", "plumber", 4, 1, 0, nil)}, fail: "b"}
	_, err := newService(st).FindWorkers(context.Background(), Query{})
	assert.ErrorIs(t, err, models.ErrUpstream)
}
