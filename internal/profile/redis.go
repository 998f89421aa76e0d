package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
)

// RedisSource reads user hashes written by the account service under
// "users:<id>".
type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(client *redis.Client) *RedisSource { return &RedisSource{client: client} }

func userKey(id string) string { return "users:" + id }

func (s *RedisSource) Get(ctx context.Context, userID string) (*models.Profile, error) {
	fields, err := s.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "profile.RedisSource.Get", err)
	}
	if len(fields) == 0 {
		return nil, apperr.Newf(apperr.NotFound, "profile.RedisSource.Get", "user %s not found", userID)
	}
	return &models.Profile{
		ID:          userID,
		DisplayName: fields["display_name"],
		Name:        fields["name"],
		Phone:       fields["phone"],
		FCMToken:    fields["fcm_token"],
		Verified:    cast.ToBool(fields["verified"]),
	}, nil
}

// Put writes a profile hash. Used for seeding and by tests.
func (s *RedisSource) Put(ctx context.Context, p models.Profile) error {
	return s.client.HSet(ctx, userKey(p.ID),
		"display_name", p.DisplayName,
		"name", p.Name,
		"phone", p.Phone,
		"fcm_token", p.FCMToken,
		"verified", cast.ToString(p.Verified),
	).Err()
}

// RedisCache is a read-through cache shared by every server process.
type RedisCache struct {
	client *redis.Client
	source Lookup
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, source Lookup, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, source: source, ttl: ttl}
}

func cacheKey(id string) string { return "profile_cache:" + id }

func (c *RedisCache) Get(ctx context.Context, userID string) (*models.Profile, error) {
	raw, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err == nil {
		var p models.Profile
		if json.Unmarshal(raw, &p) == nil {
			return &p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// cache trouble should not block the read
		return c.source.Get(ctx, userID)
	}

	p, err := c.source.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(p); err == nil {
		c.client.Set(ctx, cacheKey(userID), raw, c.ttl)
	}
	return p, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, cacheKey(userID)).Err()
}
