package main

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/example/rideshare-matching/internal/geo"
	"github.com/example/rideshare-matching/internal/storage"
)

func TestRideIndexSelection(t *testing.T) {
	mem := storage.NewMemoryStore(storage.Options{})

	assert.IsType(t, &geo.MemoryIndex{}, rideIndex(nil, "rides:geo", mem))

	// a database store holds rides this process never indexed
	assert.Nil(t, rideIndex(nil, "rides:geo", &storage.PostgresStore{}))

	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rc.Close()
	assert.IsType(t, &geo.RedisIndex{}, rideIndex(rc, "rides:geo", &storage.PostgresStore{}))
	assert.IsType(t, &geo.RedisIndex{}, rideIndex(rc, "rides:geo", mem))
}
