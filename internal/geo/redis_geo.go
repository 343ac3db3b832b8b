package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror keeps a read-only copy of reachable driver positions in Redis
// GEO so services outside the dispatch process can query them. The dispatch
// process itself never reads it back.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(addr, password, key string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, key: key}
}

func (r *RedisMirror) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisMirror) Close() error { return r.client.Close() }

func (r *RedisMirror) Upsert(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":  "true",
		"updated": at.UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisMirror) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

// Nearby mirrors the in-process proximity contract on top of GEOSEARCH.
func (r *RedisMirror) Nearby(ctx context.Context, center models.Coord, radiusKm float64) (map[string]models.NearbyDriver, error) {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.NearbyDriver, len(res))
	for _, g := range res {
		d := g.Dist
		out[g.Name] = models.NearbyDriver{Lat: g.Latitude, Lon: g.Longitude, DistanceKm: &d}
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
