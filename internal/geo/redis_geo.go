package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideshare-matching/internal/models"
)

// RedisIndex implements Index using Redis GEO commands.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = "rides_geo"
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, rideID string, at models.Coord) error {
	if !Valid(at) {
		return nil
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: at.Lng, Latitude: at.Lat, Name: rideID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", rideID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, rideID string) error {
	return r.client.ZRem(ctx, r.key, rideID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]string, error) {
	if !Valid(center) {
		return nil, nil
	}
	ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	return ids, nil
}
