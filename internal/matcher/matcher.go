package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/gig-dispatch/internal/config"
	"github.com/example/gig-dispatch/internal/geo"
	"github.com/example/gig-dispatch/internal/models"
	"github.com/example/gig-dispatch/internal/observability"
)

// AllCategories disables category filtering.
const AllCategories = "all"

const unknownName = "Unknown Professional"

type Store interface {
	ListWorkers(ctx context.Context, category string) ([]models.Worker, error)
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}

// Query describes a match request. Nil policy overrides fall back to the
// service's configured policy.
type Query struct {
	Category     string
	Origin       *models.Point
	RadiusKm     float64
	RadiusFilter *bool
	OnlineOnly   *bool
}

type Service struct {
	store  Store
	policy config.MatcherConfig
	logger *zap.Logger
}

func NewService(store Store, policy config.MatcherConfig, logger *zap.Logger) *Service {
	if policy.EnrichmentWorkers <= 0 {
		policy.EnrichmentWorkers = 8
	}
	return &Service{store: store, policy: policy, logger: logger}
}

// NormalizeCategory lower-cases a category. Empty and "all" mean no filter.
func NormalizeCategory(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidCategory, raw)
	}
	c := strings.ToLower(strings.TrimSpace(raw))
	if c == "" || c == AllCategories {
		return "", nil
	}
	for _, r := range c {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("%w: %q", models.ErrInvalidCategory, raw)
		}
	}
	return c, nil
}

// FindWorkers ranks workers for a job. It never writes.
func (s *Service) FindWorkers(ctx context.Context, q Query) ([]models.ScoredWorker, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()
	observability.MatchesTotal.Inc()

	category, err := NormalizeCategory(q.Category)
	if err != nil {
		return nil, err
	}
	if q.Origin != nil && !geo.IsValidCoordinate(q.Origin.Lat, q.Origin.Lng) {
		return nil, fmt.Errorf("%w: origin lat=%v lng=%v", models.ErrInvalidCoordinate, q.Origin.Lat, q.Origin.Lng)
	}
	radius := q.RadiusKm
	if radius < 0 || math.IsNaN(radius) {
		return nil, fmt.Errorf("%w: radius must be >= 0", models.ErrValidation)
	}
	if radius == 0 {
		radius = s.policy.DefaultRadiusKm
	}
	radiusFilter := s.policy.RadiusFilter
	if q.RadiusFilter != nil {
		radiusFilter = *q.RadiusFilter
	}
	onlineOnly := s.policy.OnlineOnly
	if q.OnlineOnly != nil {
		onlineOnly = *q.OnlineOnly
	}

	workers, err := s.store.ListWorkers(ctx, category)
	if err != nil {
		return nil, models.Upstream("list workers", err)
	}
	scored, err := s.enrich(ctx, workers)
	if err != nil {
		return nil, err
	}

	out := make([]models.ScoredWorker, 0, len(scored))
	for _, sw := range scored {
		if onlineOnly && !sw.Online {
			continue
		}
		if q.Origin != nil && sw.Position != nil && geo.IsValidCoordinate(sw.Position.Lat, sw.Position.Lng) {
			d := geo.Distance(*q.Origin, sw.Position.Point())
			sw.Distance = &d
		}
		if radiusFilter && q.Origin != nil && (sw.Distance == nil || *sw.Distance > radius) {
			continue
		}
		sw.RatingAvg = s.rating(sw.Worker)
		sw.Score = s.score(sw.Worker)
		sw.AIScore = sw.Score
		out = append(out, sw)
	}
	sortScored(out)

	observability.MatchResultLen.Observe(float64(len(out)))
	s.logger.Debug("workers matched",
		zap.String("category", category),
		zap.Int("candidates", len(workers)),
		zap.Int("results", len(out)),
	)
	return out, nil
}

// enrich attaches profile identity to each worker concurrently, keeping the
// input order.
func (s *Service) enrich(ctx context.Context, workers []models.Worker) ([]models.ScoredWorker, error) {
	out := make([]models.ScoredWorker, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.policy.EnrichmentWorkers)
	for i := range workers {
		i := i
		g.Go(func() error {
			sw := models.ScoredWorker{Worker: workers[i], Name: unknownName}
			p, err := s.store.GetProfile(gctx, workers[i].ID)
			switch {
			case errors.Is(err, models.ErrNotFound):
			case err != nil:
				return models.Upstream("get profile "+workers[i].ID, err)
			default:
				if p.Name != "" {
					sw.Name = p.Name
				}
				sw.Avatar = p.Avatar
				if p.Online != nil {
					sw.Online = *p.Online
				}
			}
			out[i] = sw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) rating(w models.Worker) float64 {
	if w.Stats.AvgRating <= 0 {
		return s.policy.DefaultRating
	}
	return w.Stats.AvgRating
}

func (s *Service) score(w models.Worker) float64 {
	exp := w.Stats.ExperienceYears
	if exp < 0 {
		exp = 0
	}
	if exp > s.policy.ExperienceCap {
		exp = s.policy.ExperienceCap
	}
	return s.rating(w)*s.policy.RatingWeight + float64(exp)*s.policy.ExperienceWeight
}

// sortScored orders by score, then completed jobs, then distance with unknown
// distances last. ID breaks any remaining tie.
func sortScored(ws []models.ScoredWorker) {
	sort.SliceStable(ws, func(i, j int) bool {
		a, b := ws[i], ws[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Stats.TotalJobsCompleted != b.Stats.TotalJobsCompleted {
			return a.Stats.TotalJobsCompleted > b.Stats.TotalJobsCompleted
		}
		switch {
		case a.Distance != nil && b.Distance != nil && *a.Distance != *b.Distance:
			return *a.Distance < *b.Distance
		case a.Distance != nil && b.Distance == nil:
			return true
		case a.Distance == nil && b.Distance != nil:
			return false
		}
		return a.ID < b.ID
	})
}
