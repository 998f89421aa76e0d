package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/example/rideshare-matching/internal/models"
)

// Index locates rides by start location. The matcher uses it as a cheap prune
// pass before scoring.
type Index interface {
	Upsert(ctx context.Context, rideID string, at models.Coord) error
	Remove(ctx context.Context, rideID string) error
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]string, error)
}

type MemoryIndex struct {
	mu     sync.RWMutex
	starts map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{starts: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, rideID string, at models.Coord) error {
	if !Valid(at) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.starts[rideID] = at
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.starts, rideID)
	return nil
}

// naive scan; fine for the ride volumes a single process holds
func (g *MemoryIndex) Nearby(_ context.Context, center models.Coord, radiusMeters float64, limit int) ([]string, error) {
	if !Valid(center) {
		return nil, nil
	}
	g.mu.RLock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.starts))
	for id, at := range g.starts {
		if d := haversine(center, at); d <= radiusMeters {
			arr = append(arr, pair{id, d})
		}
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].id < arr[j].id
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out, nil
}
