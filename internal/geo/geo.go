package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/gig-dispatch/internal/models"
)

const (
	EarthRadiusKm    = 6371.0
	GeohashPrecision = 9
)

// DistanceKm is the great-circle (haversine) distance between two points.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push a marginally above 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func Distance(a, b models.Point) float64 {
	return DistanceKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

func IsValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// EncodeGeohash is a coarse spatial key; exact distances always go through DistanceKm.
func EncodeGeohash(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, GeohashPrecision)
}

// LiveIndex tracks the latest reported position of each worker for fast radius lookups.
type LiveIndex interface {
	Upsert(ctx context.Context, ev models.LocationEvent) error
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyWorker, error)
}

type Index struct {
	mu      sync.RWMutex
	workers map[string]models.LocationEvent
}

func NewIndex() *Index {
	return &Index{workers: make(map[string]models.LocationEvent)}
}

func (g *Index) Upsert(_ context.Context, ev models.LocationEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers[ev.WorkerID] = ev
	return nil
}

// naive scan; the redis index is used when configured
func (g *Index) Nearby(_ context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyWorker, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.NearbyWorker, 0, len(g.workers))
	for id, ev := range g.workers {
		dist := DistanceKm(lat, lng, ev.Position.Lat, ev.Position.Lng)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.NearbyWorker{WorkerID: id, Lat: ev.Position.Lat, Lng: ev.Position.Lng, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HandleLocation lets an index subscribe to accepted location pings.
func (g *Index) HandleLocation(ctx context.Context, ev models.LocationEvent) error {
	return g.Upsert(ctx, ev)
}
