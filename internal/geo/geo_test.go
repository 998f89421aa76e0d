package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
)

func pt(lat, lng float64) models.Coord { return models.Coord{Lat: lat, Lng: lng} }

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSamePointIsZero(t *testing.T) {
	p := pt(48.8566, 2.3522)
	d, err := Distance(p, p)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d)
}

func TestDistanceKnownPair(t *testing.T) {
	// Paris -> London, roughly 343.5 km
	d, err := Distance(pt(48.8566, 2.3522), pt(51.5074, -0.1278))
	require.NoError(t, err)
	assert.InDelta(t, 343_500, d, 1_500)
}

func TestDistanceRejectsNonFinite(t *testing.T) {
	cases := []models.Coord{
		pt(math.NaN(), 0),
		pt(0, math.Inf(1)),
		pt(91, 0),
	}
	for _, c := range cases {
		_, err := Distance(c, pt(0, 0))
		assert.True(t, errors.Is(err, apperr.ErrGeoInvalidInput), "point %v", c)
	}
}

func TestMinDistanceToSinglePointRoute(t *testing.T) {
	p := pt(45.5, -73.56)
	assert.Equal(t, 0.0, MinDistanceToPolyline(p, []models.Coord{p}))
}

func TestMinDistanceEmptyRoute(t *testing.T) {
	assert.True(t, math.IsInf(MinDistanceToPolyline(pt(0, 0), nil), 1))
	assert.Equal(t, -1, NearestVertexIndex(pt(0, 0), nil))
}

func TestMidpointOfSegment(t *testing.T) {
	route := []models.Coord{pt(0, 0), pt(0, 1)}
	p := pt(0, 0.5)

	assert.Equal(t, 0, NearestVertexIndex(p, route), "equidistant vertices resolve to the lowest index")
	assert.InDelta(t, 0, MinDistanceToPolyline(p, route), 1e-6)
}

func TestDistanceToSegment(t *testing.T) {
	a, b := pt(0, 0), pt(0, 0.01)

	// 0.001 deg north of the middle of an east-west segment at the equator.
	assert.InDelta(t, 111.32, DistanceToSegment(pt(0.001, 0.005), a, b), 0.01)
	// Beyond the b end clamps to b.
	beyond := DistanceToSegment(pt(0, 0.02), a, b)
	assert.InDelta(t, haversine(pt(0, 0.02), b), beyond, 2)
	// Degenerate segment is a point distance.
	assert.Equal(t, haversine(pt(1, 1), a), DistanceToSegment(pt(1, 1), a, a))
}

func TestMinDistanceSkipsNonFiniteVertices(t *testing.T) {
	route := []models.Coord{pt(math.NaN(), 0), pt(0, 0), pt(0, 0.01)}
	d := MinDistanceToPolyline(pt(0, 0.005), route)
	assert.InDelta(t, 0, d, 1e-6)
}

func TestIsPointNearRoute(t *testing.T) {
	route := []models.Coord{pt(0, 0), pt(0, 0.01)}
	assert.True(t, IsPointNearRoute(pt(0.001, 0.005), route, 200))
	assert.False(t, IsPointNearRoute(pt(0.01, 0.005), route, 200))
}

func TestWaypointsContainedInOrder(t *testing.T) {
	route := []models.Coord{pt(0, 0), pt(0, 0.01), pt(0, 0.02), pt(0, 0.03)}

	t.Run("empty waypoints", func(t *testing.T) {
		res := WaypointsContainedInOrder(route, nil, 100, true)
		assert.True(t, res.OK)
		assert.Equal(t, -1, res.FailedAtIndex)
		assert.Empty(t, res.Indices)
	})

	t.Run("in order", func(t *testing.T) {
		res := WaypointsContainedInOrder(route, []models.Coord{pt(0, 0.0101), pt(0, 0.0299)}, 100, true)
		assert.True(t, res.OK)
		assert.Equal(t, []int{1, 3}, res.Indices)
	})

	t.Run("out of order", func(t *testing.T) {
		res := WaypointsContainedInOrder(route, []models.Coord{pt(0, 0.03), pt(0, 0.01)}, 100, true)
		assert.False(t, res.OK)
		assert.Equal(t, 1, res.FailedAtIndex)
		assert.Equal(t, []int{3, 1}, res.Indices)
	})

	t.Run("out of order allowed", func(t *testing.T) {
		res := WaypointsContainedInOrder(route, []models.Coord{pt(0, 0.03), pt(0, 0.01)}, 100, false)
		assert.True(t, res.OK)
	})

	t.Run("too far", func(t *testing.T) {
		res := WaypointsContainedInOrder(route, []models.Coord{pt(0, 0.01), pt(1, 0.02)}, 100, false)
		assert.False(t, res.OK)
		assert.Equal(t, 1, res.FailedAtIndex)
		assert.Equal(t, []int{1}, res.Indices)
	})

	t.Run("empty route", func(t *testing.T) {
		res := WaypointsContainedInOrder(nil, []models.Coord{pt(0, 0)}, 100, false)
		assert.False(t, res.OK)
		assert.Equal(t, 0, res.FailedAtIndex)
	})
}

func TestMemoryIndexNearby(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, "near", pt(0, 0.001)))
	require.NoError(t, idx.Upsert(ctx, "nearest", pt(0, 0.0005)))
	require.NoError(t, idx.Upsert(ctx, "far", pt(1, 1)))
	require.NoError(t, idx.Upsert(ctx, "bad", pt(math.NaN(), 0)))

	ids, err := idx.Nearby(ctx, pt(0, 0), 500, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"nearest", "near"}, ids)

	require.NoError(t, idx.Remove(ctx, "nearest"))
	ids, err = idx.Nearby(ctx, pt(0, 0), 500, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids)
}

func BenchmarkMinDistanceToPolyline(b *testing.B) {
	route := make([]models.Coord, 200)
	for i := range route {
		route[i] = pt(45+float64(i)*0.001, -73+float64(i)*0.001)
	}
	p := pt(45.05, -72.95)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MinDistanceToPolyline(p, route)
	}
}
