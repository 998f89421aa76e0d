package profile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
)

type mockLookup struct{ mock.Mock }

func (m *mockLookup) Get(ctx context.Context, userID string) (*models.Profile, error) {
	args := m.Called(ctx, userID)
	p, _ := args.Get(0).(*models.Profile)
	return p, args.Error(1)
}

func TestCacheReadsThroughOnceWithinTTL(t *testing.T) {
	ctx := context.Background()
	src := &mockLookup{}
	src.On("Get", ctx, "u1").Return(&models.Profile{ID: "u1", DisplayName: "Ana"}, nil).Once()

	c := NewCache(src, time.Minute)
	for i := 0; i < 3; i++ {
		p, err := c.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ana", p.Label())
	}
	src.AssertExpectations(t)
}

func TestCacheInvalidateAndExpiry(t *testing.T) {
	ctx := context.Background()
	src := &mockLookup{}
	src.On("Get", ctx, "u1").Return(&models.Profile{ID: "u1", Name: "Ana"}, nil).Times(3)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(src, time.Minute)
	c.now = func() time.Time { return now }

	_, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "u1"))
	_, err = c.Get(ctx, "u1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	src.AssertExpectations(t)
}

func TestCacheDoesNotStoreMisses(t *testing.T) {
	ctx := context.Background()
	c := NewCache(NewStatic(), time.Minute)
	_, err := c.Get(ctx, "ghost")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestRedisSourceGet(t *testing.T) {
	db, rmock := redismock.NewClientMock()
	src := NewRedisSource(db)

	rmock.ExpectHGetAll("users:d1").SetVal(map[string]string{"display_name": "Driver One", "verified": "true"})
	rmock.ExpectHGetAll("users:ghost").SetVal(map[string]string{})

	p, err := src.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, p.Verified)
	assert.Equal(t, "Driver One", p.Label())

	_, err = src.Get(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestRedisCacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	db, rmock := redismock.NewClientMock()
	want := &models.Profile{ID: "u1", Name: "Ana", Verified: true}
	raw, _ := json.Marshal(want)

	src := &mockLookup{}
	src.On("Get", ctx, "u1").Return(want, nil).Once()
	c := NewRedisCache(db, src, time.Hour)

	rmock.ExpectGet("profile_cache:u1").RedisNil()
	rmock.ExpectSet("profile_cache:u1", raw, time.Hour).SetVal("OK")
	rmock.ExpectGet("profile_cache:u1").SetVal(string(raw))
	rmock.ExpectDel("profile_cache:u1").SetVal(1)

	p, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.Name)

	p, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Verified)

	require.NoError(t, c.Invalidate(ctx, "u1"))
	require.NoError(t, rmock.ExpectationsWereMet())
	src.AssertExpectations(t)
}
