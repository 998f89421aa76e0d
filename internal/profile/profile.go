// Package profile reads the user documents the matching core denormalizes
// (display name, phone) or checks (verified) and caches them with explicit
// invalidation.
package profile

import (
	"context"
	"sync"
	"time"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
)

// Lookup returns a user's profile or apperr.NotFound.
type Lookup interface {
	Get(ctx context.Context, userID string) (*models.Profile, error)
}

// Invalidator drops a cached profile so the next Get reads the source.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Static is an in-process profile source.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func NewStatic(profiles ...models.Profile) *Static {
	s := &Static{profiles: make(map[string]models.Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *Static) Put(p models.Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

func (s *Static) Get(_ context.Context, userID string) (*models.Profile, error) {
	s.mu.RLock()
	p, ok := s.profiles[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "profile.Get", "user %s not found", userID)
	}
	return &p, nil
}

// Cache is a read-through in-memory cache in front of another Lookup.
type Cache struct {
	source Lookup
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	p  models.Profile
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(source Lookup, ttl time.Duration) *Cache {
	return &Cache{source: source, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func (c *Cache) Get(ctx context.Context, userID string) (*models.Profile, error) {
	c.mu.RLock()
	e, ok := c.store[userID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		p := e.p
		return &p, nil
	}
	p, err := c.source.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.store[userID] = cacheEntry{p: *p, ts: c.now()}
	c.mu.Unlock()
	return p, nil
}

func (c *Cache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	delete(c.store, userID)
	c.mu.Unlock()
	return nil
}
