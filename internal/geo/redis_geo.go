package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/gig-dispatch/internal/models"
)

// RedisIndex implements LiveIndex using Redis GEO commands.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, ev models.LocationEvent) error {
	// GEOADD for the position and a hash for metadata, in one round trip
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: ev.Position.Lng, Latitude: ev.Position.Lat, Name: ev.WorkerID})
	pipe.HSet(ctx, MetaKey(ev.WorkerID), map[string]interface{}{
		"category":    ev.Category,
		"geohash":     ev.Geohash,
		"accuracy":    strconv.FormatFloat(ev.Position.Accuracy, 'f', -1, 64),
		"captured_at": ev.Position.CapturedAt.UTC().Format(time.RFC3339Nano),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyWorker, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.NearbyWorker, 0, len(res))
	for _, g := range res {
		out = append(out, models.NearbyWorker{WorkerID: g.Name, Lat: g.Latitude, Lng: g.Longitude, DistanceKm: g.Dist})
	}
	return out, nil
}

func (r *RedisIndex) HandleLocation(ctx context.Context, ev models.LocationEvent) error {
	return r.Upsert(ctx, ev)
}

func MetaKey(id string) string { return "worker:meta:" + id }
